package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/chunkdiff/blobstore"
	"github.com/hupe1980/chunkdiff/internal/checkpoint"
)

// InspectOutput is the JSON output format of the inspect command.
type InspectOutput struct {
	Name         string `json:"name"`
	Version      uint16 `json:"version"`
	Compression  string `json:"compression"`
	StoredBytes  uint64 `json:"stored_bytes"`
	BodyBytes    uint64 `json:"body_bytes"`
	ColumnID     uint16 `json:"column_id"`
	Kind         string `json:"kind"`
	Type         string `json:"type,omitempty"`
	PayloadSize  uint32 `json:"payload_size"`
	Rows         int    `json:"rows"`
	Entries      int    `json:"entries"`
	FreeSlots    int    `json:"free_slots"`
	Records      int    `json:"records"`
	PayloadBytes int    `json:"payload_bytes"`
}

func newInspectCmd() *cobra.Command {
	var dir string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "inspect NAME",
		Short: "Describe a shadow checkpoint",
		Long: `Decode a shadow checkpoint written by 'chunkdiff simulate' or
Differ.Checkpoint and print its header and contents. The name CURRENT
resolves to the latest committed checkpoint.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.Context(), cmd, dir, args[0], jsonOutput)
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "Checkpoint directory")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runInspect(ctx context.Context, cmd *cobra.Command, dir, name string, jsonOutput bool) error {
	store := blobstore.NewLocalStore(dir)
	if name == blobstore.CurrentName {
		latest, err := blobstore.Current(ctx, store)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", name, err)
		}
		name = latest
	}

	data, err := blobstore.Get(ctx, store, name)
	if err != nil {
		return fmt.Errorf("failed to read checkpoint: %w", err)
	}

	img, h, err := checkpoint.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("failed to decode checkpoint %s: %w", name, err)
	}

	out := InspectOutput{
		Name:         name,
		Version:      h.Version,
		Compression:  h.Compression.String(),
		StoredBytes:  h.StoredSize,
		BodyBytes:    h.BodySize,
		ColumnID:     uint16(img.Column.ID),
		Kind:         img.Column.Kind.String(),
		Type:         img.Column.TypeName,
		PayloadSize:  img.Column.PayloadSize,
		Rows:         len(img.Keys),
		Entries:      len(img.Entries),
		FreeSlots:    len(img.Free),
		Records:      img.RecordCount(),
		PayloadBytes: img.PayloadBytes(),
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	w := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(w, "checkpoint:    %s\n", out.Name)
	_, _ = fmt.Fprintf(w, "format:        v%d, %s, %d of %d bytes stored\n", out.Version, out.Compression, out.StoredBytes, out.BodyBytes)
	_, _ = fmt.Fprintf(w, "column:        id=%d kind=%s type=%q payload=%dB\n", out.ColumnID, out.Kind, out.Type, out.PayloadSize)
	_, _ = fmt.Fprintf(w, "rows:          %d (%d live, %d free)\n", out.Rows, out.Entries, out.FreeSlots)
	_, _ = fmt.Fprintf(w, "records:       %d\n", out.Records)
	_, _ = fmt.Fprintf(w, "payload bytes: %d\n", out.PayloadBytes)
	return nil
}
