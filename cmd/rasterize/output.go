package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/joshrwolf/rasterize/internal/edf"
	"github.com/joshrwolf/rasterize/internal/orchestrator"
	"github.com/spf13/cobra"
)

type outputFormat string

const (
	outputText outputFormat = "text"
	outputJSON outputFormat = "json"
)

func (f *outputFormat) String() string { return string(*f) }

func (f *outputFormat) Set(s string) error {
	switch outputFormat(s) {
	case outputText, outputJSON:
		*f = outputFormat(s)
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want text or json)", s)
	}
}

func (f *outputFormat) Type() string { return "format" }

// result is what a command reports, in text or as JSON
type result struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ReturnCode int    `json:"return_code"`
	ErrorKind  string `json:"error_kind,omitempty"`
}

func failure(stdout string, err error) result {
	return result{
		Stdout:     stdout,
		Stderr:     err.Error(),
		ReturnCode: 1,
		ErrorKind:  orchestrator.KindOf(err),
	}
}

// print writes r in the selected format and returns its return code
func (o *options) print(cmd *cobra.Command, r result) int {
	writeResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), o.output, r)
	return r.ReturnCode
}

func writeResult(stdout, stderr io.Writer, format outputFormat, r result) {
	switch format {
	case outputJSON:
		b, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			b = []byte("{}")
		}
		fmt.Fprintln(stdout, string(b))
	default:
		if r.Stdout != "" {
			fmt.Fprintln(stdout, r.Stdout)
		}
		if r.Stderr != "" {
			fmt.Fprintln(stderr, r.Stderr)
		}
	}
}

func validate(path string) result {
	if err := edf.Validate(path); err != nil {
		return failure(fmt.Sprintf("%s is an INVALID EDF file", path), err)
	}
	return result{Stdout: fmt.Sprintf("%s is a valid EDF file", path)}
}

func render(path string) result {
	e, err := edf.Render(path)
	if err != nil {
		return failure("", err)
	}
	b, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return failure("", err)
	}
	return result{Stdout: string(b)}
}
