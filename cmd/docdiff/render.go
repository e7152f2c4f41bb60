package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"chronicle/studio/internal/diff"
	"chronicle/studio/internal/timeline"
)

const maxValueWidth = 60

func writeResult(cmd *cobra.Command, format string, result diff.Diff) error {
	out := cmd.OutOrStdout()
	switch format {
	case "json":
		return writeJSON(out, result)
	case "yaml":
		return writeYAML(out, result)
	}

	changes := diff.Changes(result)
	if len(changes) == 0 {
		fmt.Fprintln(out, "no changes")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, change := range changes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", changeSymbol(change), displayPath(change.Path), describe(change), attribution(change.Annotation))
	}
	return w.Flush()
}

func writeChunks(cmd *cobra.Command, format string, chunks []timeline.Chunk) error {
	out := cmd.OutOrStdout()
	switch format {
	case "json":
		return writeJSON(out, chunks)
	case "yaml":
		return writeYAML(out, chunks)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, chunk := range chunks {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%v\n", chunk.Index, chunk.ID, chunk.AuthorID, chunk.Timestamp.Format(time.RFC3339), chunk.AffectedPaths)
	}
	return w.Flush()
}

func writeJSON(out io.Writer, payload any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}

// writeYAML goes through JSON so diff nodes keep their tagged shape.
func writeYAML(out io.Writer, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	encoder := yaml.NewEncoder(out)
	encoder.SetIndent(2)
	if err := encoder.Encode(generic); err != nil {
		return err
	}
	return encoder.Close()
}

func changeSymbol(change diff.Change) string {
	switch {
	case change.Action == diff.ActionAdded:
		return "+"
	case change.Action == diff.ActionRemoved:
		return "-"
	case change.Moved:
		return ">"
	default:
		return "~"
	}
}

func displayPath(path string) string {
	if path == "" {
		return "(root)"
	}
	return path
}

func describe(change diff.Change) string {
	switch change.Action {
	case diff.ActionAdded:
		return compact(change.ToValue)
	case diff.ActionRemoved:
		return compact(change.FromValue)
	default:
		return compact(change.FromValue) + " -> " + compact(change.ToValue)
	}
}

func compact(value diff.Value) string {
	if diff.IsMissing(value) {
		return "(missing)"
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value)
	}
	text := string(data)
	if len(text) > maxValueWidth {
		text = text[:maxValueWidth-3] + "..."
	}
	return text
}

func attribution(annotation *diff.Annotation) string {
	if annotation == nil {
		return ""
	}
	return annotation.AuthorID + "@" + annotation.ChunkID
}
