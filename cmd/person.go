package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/faceid/internal/config"
	"github.com/kozaktomas/faceid/internal/store"
)

var personCmd = &cobra.Command{
	Use:   "person",
	Short: "Manage the people in the encoding database",
}

var personListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known persons with encoding counts",
	RunE:  runPersonList,
}

var personRenameCmd = &cobra.Command{
	Use:   "rename [old] [new]",
	Short: "Rename a person",
	Args:  cobra.ExactArgs(2),
	RunE:  runPersonRename,
}

var personMergeCmd = &cobra.Command{
	Use:   "merge [source] [target]",
	Short: "Merge one person's encodings into another",
	Args:  cobra.ExactArgs(2),
	RunE:  runPersonMerge,
}

var personDeleteCmd = &cobra.Command{
	Use:   "delete [name]",
	Short: "Delete a person and all their encodings",
	Args:  cobra.ExactArgs(1),
	RunE:  runPersonDelete,
}

var personIgnoreCmd = &cobra.Command{
	Use:   "ignore [name]",
	Short: "Move a person's encodings to the ignore list",
	Args:  cobra.ExactArgs(1),
	RunE:  runPersonIgnore,
}

func init() {
	rootCmd.AddCommand(personCmd)
	personCmd.AddCommand(personListCmd, personRenameCmd, personMergeCmd, personDeleteCmd, personIgnoreCmd)
}

func runPersonList(cmd *cobra.Command, args []string) error {
	svc, err := openService(config.Load(), newLogger())
	if err != nil {
		return err
	}
	db, err := svc.Database()
	if err != nil {
		return err
	}

	names := make([]string, 0, len(db.Known))
	for name := range db.Known {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		counts := store.BackendCounts(db.Known[name])
		fmt.Printf("%-30s %4d encodings", name, len(db.Known[name]))
		for b, n := range counts {
			fmt.Printf("  %s:%d", b, n)
		}
		if negs := len(db.HardNegatives[name]); negs > 0 {
			fmt.Printf("  (%d hard negatives)", negs)
		}
		fmt.Println()
	}
	fmt.Printf("\n%d persons, %d encodings, %d ignored, %d processed files\n",
		len(db.Known), db.EncodingCount(), len(db.Ignored), len(db.Processed))
	return nil
}

// mutateDatabase reloads the database, applies fn and saves.
func mutateDatabase(fn func(db *store.Database) error) error {
	svc, err := openService(config.Load(), newLogger())
	if err != nil {
		return err
	}
	db, err := svc.Reload()
	if err != nil {
		return err
	}
	if err := fn(db); err != nil {
		return err
	}
	return svc.Save(db)
}

func runPersonRename(cmd *cobra.Command, args []string) error {
	return mutateDatabase(func(db *store.Database) error {
		if err := db.RenamePerson(args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Renamed %q to %q\n", args[0], args[1])
		return nil
	})
}

func runPersonMerge(cmd *cobra.Command, args []string) error {
	return mutateDatabase(func(db *store.Database) error {
		moved, err := db.MergePersons(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Merged %q into %q (%d encodings moved)\n", args[0], args[1], moved)
		return nil
	})
}

func runPersonDelete(cmd *cobra.Command, args []string) error {
	return mutateDatabase(func(db *store.Database) error {
		removed, err := db.DeletePerson(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %q (%d encodings removed)\n", args[0], removed)
		return nil
	})
}

func runPersonIgnore(cmd *cobra.Command, args []string) error {
	return mutateDatabase(func(db *store.Database) error {
		moved, err := db.MoveToIgnored(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Moved %q to the ignore list (%d encodings)\n", args[0], moved)
		return nil
	})
}
