package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"mnemo/internal/app"
	"mnemo/internal/format"
	"mnemo/internal/gitrepo"
)

var (
	docAuthor       string
	docEditFile     string
	docHistoryLimit int
	docShowVersion  string
)

var docCmd = &cobra.Command{
	Use:   "doc",
	Short: "Read and edit memory documents",
}

var docInitCmd = &cobra.Command{
	Use:   "init <subject>",
	Short: "Create the default documents of a subject",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(rt *runtime) error {
			created, err := rt.service.InitializeSubject(cmd.Context(), args[0], docAuthor)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(created)
			}
			if len(created) == 0 {
				fmt.Println("all documents already exist")
				return nil
			}
			for _, result := range created {
				fmt.Printf("created %s at %s\n", result.Name, short(result.Version.ID))
				printWarnings(result.Warnings)
			}
			return nil
		})
	},
}

var docListCmd = &cobra.Command{
	Use:   "list <subject>",
	Short: "List the documents of a subject",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(rt *runtime) error {
			names, err := rt.service.ListDocuments(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(names)
			}
			fmt.Println(strings.Join(names, "\n"))
			return nil
		})
	},
}

var docShowCmd = &cobra.Command{
	Use:   "show <subject> <document>",
	Short: "Print a document in its Markdown form",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(rt *runtime) error {
			if docShowVersion != "" {
				doc, err := rt.service.ReadAt(cmd.Context(), args[0], args[1], docShowVersion)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(doc)
				}
				return printHuman(doc, args[1])
			}
			view, err := rt.service.GetDocument(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(view)
			}
			fmt.Print(view.Human)
			return nil
		})
	},
}

var docEditCmd = &cobra.Command{
	Use:   "edit <subject> <document>",
	Short: "Commit an edited Markdown form (from --file or stdin)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := readInput(docEditFile)
		if err != nil {
			return err
		}
		return withRuntime(cmd.Context(), func(rt *runtime) error {
			result, err := rt.service.UpdateDocument(cmd.Context(), args[0], args[1], text, docAuthor)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(result)
			}
			fmt.Printf("committed %s version %d (%s)\n", result.Name, result.Version.Sequence, short(result.Version.ID))
			printWarnings(result.Warnings)
			return nil
		})
	},
}

var docHistoryCmd = &cobra.Command{
	Use:   "history <subject> <document>",
	Short: "List the versions of a document, newest first",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(rt *runtime) error {
			history, err := rt.service.History(cmd.Context(), args[0], args[1], docHistoryLimit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(history)
			}
			for _, version := range history {
				printVersion(version)
			}
			return nil
		})
	},
}

var docRestoreCmd = &cobra.Command{
	Use:   "restore <subject> <document> <version>",
	Short: "Commit the content of an earlier version as a new version",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(rt *runtime) error {
			result, err := rt.service.Restore(cmd.Context(), args[0], args[1], args[2], docAuthor)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(result)
			}
			fmt.Printf("restored %s to %s as version %d (%s)\n", result.Name, short(args[2]), result.Version.Sequence, short(result.Version.ID))
			printWarnings(result.Warnings)
			return nil
		})
	},
}

var docDiffCmd = &cobra.Command{
	Use:   "diff <subject> <document> <old-version> <new-version>",
	Short: "Show the fields that changed between two versions",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(rt *runtime) error {
			changes, err := rt.service.Diff(cmd.Context(), args[0], args[1], args[2], args[3])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(changes)
			}
			if len(changes) == 0 {
				fmt.Println("no field changes")
			}
			for _, change := range changes {
				switch change.Change {
				case app.ChangeAdded:
					fmt.Printf("+ %s: %s\n", change.Field, change.After)
				case app.ChangeRemoved:
					fmt.Printf("- %s: %s\n", change.Field, change.Before)
				default:
					fmt.Printf("~ %s: %s -> %s\n", change.Field, change.Before, change.After)
				}
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(docCmd)
	docCmd.AddCommand(docInitCmd, docListCmd, docShowCmd, docEditCmd, docHistoryCmd, docRestoreCmd, docDiffCmd)
	docCmd.PersistentFlags().StringVar(&docAuthor, "author", os.Getenv("USER"), "Author recorded on commits")
	docEditCmd.Flags().StringVarP(&docEditFile, "file", "f", "-", "Markdown file to commit, - for stdin")
	docHistoryCmd.Flags().IntVarP(&docHistoryLimit, "limit", "n", 0, "Maximum number of versions (0 for all)")
	docShowCmd.Flags().StringVar(&docShowVersion, "version", "", "Show an earlier version instead of the current one")
}

func readInput(path string) (string, error) {
	var data []byte
	var err error
	if path == "" || path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return string(data), nil
}

func printHuman(doc format.Document, name string) error {
	_, err := fmt.Print(format.ToHuman(doc, name))
	return err
}

func printVersion(version gitrepo.VersionInfo) {
	marker := " "
	if version.IsCurrent {
		marker = "*"
	}
	subject, _, _ := strings.Cut(version.Message, "\n")
	fmt.Printf("%s %3d  %s  %s  %-16s %s\n", marker, version.Sequence, short(version.ID),
		version.CreatedAt.Format("2006-01-02 15:04"), version.Author, subject)
}

func printWarnings(warnings []app.Warning) {
	for _, warning := range warnings {
		if warning.Field != "" {
			fmt.Fprintf(os.Stderr, "warning %s (%s): %s\n", warning.Code, warning.Field, warning.Message)
			continue
		}
		fmt.Fprintf(os.Stderr, "warning %s: %s\n", warning.Code, warning.Message)
	}
}

func short(id string) string {
	if len(id) > 10 {
		return id[:10]
	}
	return id
}
