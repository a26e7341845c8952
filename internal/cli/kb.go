package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var kbCmd = &cobra.Command{
	Use:   "kb",
	Short: "Manage knowledge bases",
	Long: `Create, list and delete knowledge bases, upload documents, and manage
linked folders.

Examples:
  kbtrack kb list
  kbtrack kb create math101
  kbtrack kb upload math101 notes.pdf chapter1.md
  kbtrack kb folder link math101 /srv/courses/math101
  kbtrack kb folder sync math101`,
}

var kbListCmd = &cobra.Command{
	Use:   "list",
	Short: "List knowledge bases with job status",
	RunE:  runKBList,
}

var kbCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a knowledge base",
	Args:  cobra.ExactArgs(1),
	RunE:  runKBCreate,
}

var kbDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a knowledge base",
	Args:  cobra.ExactArgs(1),
	RunE:  runKBDelete,
}

var kbUploadCmd = &cobra.Command{
	Use:   "upload <id> <file>...",
	Short: "Upload documents into a knowledge base",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runKBUpload,
}

var kbFolderCmd = &cobra.Command{
	Use:   "folder",
	Short: "Manage the linked folder of a knowledge base",
}

var kbFolderLinkCmd = &cobra.Command{
	Use:   "link <id> <path>",
	Short: "Link a server-side folder",
	Args:  cobra.ExactArgs(2),
	RunE:  runKBFolderLink,
}

var kbFolderSyncCmd = &cobra.Command{
	Use:   "sync <id>",
	Short: "Re-synchronize the linked folder",
	Args:  cobra.ExactArgs(1),
	RunE:  runKBFolderSync,
}

var kbFolderUnlinkCmd = &cobra.Command{
	Use:   "unlink <id>",
	Short: "Unlink the folder",
	Args:  cobra.ExactArgs(1),
	RunE:  runKBFolderUnlink,
}

func init() {
	kbFolderCmd.AddCommand(kbFolderLinkCmd)
	kbFolderCmd.AddCommand(kbFolderSyncCmd)
	kbFolderCmd.AddCommand(kbFolderUnlinkCmd)

	kbCmd.AddCommand(kbListCmd)
	kbCmd.AddCommand(kbCreateCmd)
	kbCmd.AddCommand(kbDeleteCmd)
	kbCmd.AddCommand(kbUploadCmd)
	kbCmd.AddCommand(kbFolderCmd)
}

func runKBList(cmd *cobra.Command, args []string) error {
	states, err := eng.Refresh(context.Background())
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}

	if len(states) == 0 {
		fmt.Println("No knowledge bases found")
		return nil
	}

	fmt.Printf("%-16s %-24s %-6s %-10s %s\n", "ID", "NAME", "DOCS", "READY", "JOB")
	fmt.Println("------------------------------------------------------------------------")
	for _, st := range states {
		kb := st.KnowledgeBase
		job := "-"
		if st.Progress != nil {
			job = fmt.Sprintf("%s %d%%", st.Progress.Stage, st.Progress.ProgressPercent)
		}
		fmt.Printf("%-16s %-24s %-6d %-10t %s\n", kb.ID, kb.Name, kb.DocumentCount, st.Settled, job)
	}
	return nil
}

func runKBCreate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	kb, err := eng.API().CreateKnowledgeBase(ctx, args[0])
	if err != nil {
		return fmt.Errorf("create knowledge base: %w", err)
	}

	// Seed an optimistic record so the new collection shows activity
	// before the first push notification arrives.
	eng.SeedJob(kb.ID, "knowledge base created", 0)

	fmt.Printf("Created knowledge base %s (%s)\n", kb.Name, kb.ID)
	return nil
}

func runKBDelete(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	id := args[0]
	if err := eng.API().DeleteKnowledgeBase(ctx, id); err != nil {
		return fmt.Errorf("delete knowledge base: %w", err)
	}
	eng.ClearProgress(ctx, id)
	fmt.Printf("Deleted knowledge base %s\n", id)
	return nil
}

func runKBUpload(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	id, paths := args[0], args[1:]

	res, err := eng.API().UploadDocuments(ctx, id, paths)
	if err != nil {
		return fmt.Errorf("upload documents: %w", err)
	}
	eng.SeedJob(id, "upload received", res.FileCount)

	fmt.Printf("Uploaded %d file(s) to %s\n", res.FileCount, id)
	fmt.Println("Use 'kbtrack watch' to follow ingestion progress")
	return nil
}

func runKBFolderLink(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	id, path := args[0], args[1]

	res, err := eng.API().LinkFolder(ctx, id, path)
	if err != nil {
		return fmt.Errorf("link folder: %w", err)
	}
	eng.SeedJob(id, "folder linked", res.FileCount)

	fmt.Printf("Linked %s to %s (%d files)\n", path, id, res.FileCount)
	return nil
}

func runKBFolderSync(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	id := args[0]

	res, err := eng.API().SyncFolder(ctx, id)
	if err != nil {
		return fmt.Errorf("sync folder: %w", err)
	}
	eng.SeedJob(id, "folder sync started", res.FileCount)

	fmt.Printf("Syncing folder of %s (%d files)\n", id, res.FileCount)
	return nil
}

func runKBFolderUnlink(cmd *cobra.Command, args []string) error {
	if err := eng.API().UnlinkFolder(context.Background(), args[0]); err != nil {
		return fmt.Errorf("unlink folder: %w", err)
	}
	fmt.Printf("Unlinked folder of %s\n", args[0])
	return nil
}
