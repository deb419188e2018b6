package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/woq/internal/store"
	"github.com/samcharles93/woq/pkg/wqf"
)

type sectionReport struct {
	Type    string `json:"type"`
	Version uint32 `json:"version"`
	Offset  uint64 `json:"offset"`
	Size    uint64 `json:"size"`
}

type inspectReport struct {
	Path     string          `json:"path"`
	Format   string          `json:"format"`
	FileSize uint64          `json:"file_size"`
	Flags    uint64          `json:"flags"`
	Sections []sectionReport `json:"sections"`
	Layer    store.Info      `json:"layer"`
}

func inspectCmd() *cli.Command {
	var (
		path     string
		asJSON   bool
		sections bool
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect the contents of a .wqf file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "input",
				Aliases:     []string{"in"},
				Usage:       "path to .wqf file",
				Destination: &path,
				Required:    true,
			},
			&cli.BoolFlag{Name: "json", Usage: "print a JSON report", Destination: &asJSON},
			&cli.BoolFlag{Name: "sections", Usage: "list the section directory", Destination: &sections},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rep, err := inspectFile(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if asJSON {
				out, err := json.MarshalIndent(rep, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(os.Stdout, string(out))
				return err
			}
			printReport(os.Stdout, rep, sections)
			return nil
		},
	}
}

func inspectFile(path string) (inspectReport, error) {
	wf, err := wqf.Open(path)
	if err != nil {
		return inspectReport{}, err
	}
	rep := inspectReport{
		Path:     path,
		Format:   fmt.Sprintf("WQF %d.%d", wf.Header.Major, wf.Header.Minor),
		FileSize: wf.Header.FileSize,
		Flags:    wf.Header.Flags,
	}
	for _, s := range wf.Sections {
		rep.Sections = append(rep.Sections, sectionReport{
			Type:    wqf.SectionType(s.Type).String(),
			Version: s.Version,
			Offset:  s.Offset,
			Size:    s.Size,
		})
	}
	if err := wf.Close(); err != nil {
		return inspectReport{}, err
	}

	f, err := store.Open(path)
	if err != nil {
		return inspectReport{}, err
	}
	defer func() { _ = f.Close() }()
	rep.Layer = f.Layer().Info()
	return rep, nil
}

func printReport(w io.Writer, rep inspectReport, sections bool) {
	l := rep.Layer
	_, _ = fmt.Fprintf(w, "File:      %s (%s, %d bytes)\n", rep.Path, rep.Format, rep.FileSize)
	_, _ = fmt.Fprintf(w, "Layer:     %s\n", l.Name)
	_, _ = fmt.Fprintf(w, "Pack ID:   %s\n", l.PackID)
	_, _ = fmt.Fprintf(w, "Shape:     [N=%d, K=%d]\n", l.N, l.K)
	_, _ = fmt.Fprintf(w, "QType:     %s (symmetric=%t)\n", l.QType, l.Symmetric)
	_, _ = fmt.Fprintf(w, "Scales:    %s, group size %d\n", l.QuantWMode, l.GroupSize)
	if l.BlockN > 0 {
		_, _ = fmt.Fprintf(w, "Layout:    blocked Nb=%d Kb=%d lowp=%s\n", l.BlockN, l.BlockK, l.Lowp)
	} else {
		_, _ = fmt.Fprintf(w, "Layout:    plain\n")
	}
	_, _ = fmt.Fprintf(w, "Packed:    %d bytes\n", l.Bytes)
	_, _ = fmt.Fprintf(w, "Bias:      %t\n", l.HasBias)
	if l.Source != "" {
		_, _ = fmt.Fprintf(w, "Source:    %s\n", l.Source)
	}
	if !sections {
		return
	}
	_, _ = fmt.Fprintf(w, "\n%-8s %8s %12s %12s\n", "Section", "Version", "Offset", "Size")
	for _, s := range rep.Sections {
		_, _ = fmt.Fprintf(w, "%-8s %8d %12d %12d\n", s.Type, s.Version, s.Offset, s.Size)
	}
}
