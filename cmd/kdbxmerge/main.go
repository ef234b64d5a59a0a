// Command kdbxmerge reconciles a destination KDBX database against one or
// more source databases and writes the merged result to a new file.
//
//	kdbxmerge -t SYNCHRONIZE DEST SRC... OUT
//
// Exit codes: 0 success, 1 bad arguments, 2 open/crypto failure, 3 merge
// or write failure.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/brimkeep/kdbxmerge"
	flags "github.com/jessevdk/go-flags"
)

type options struct {
	Mode       string `short:"t" long:"type" description:"Merge mode: OVERWRITE_IF_NEWER, SYNCHRONIZE, SYNCHRONIZE_3WAY" default:"SYNCHRONIZE"`
	Metadata   bool   `long:"metadata" description:"Also merge database-wide Meta fields"`
	Positional struct {
		Paths []string `positional-arg-name:"DEST SRC... OUT"`
	} `positional-args:"yes"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stderr))
}

func run(args []string, stdin io.Reader, stderr io.Writer) int {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return 1
	}

	paths := opts.Positional.Paths
	if len(paths) < 3 {
		fmt.Fprintln(stderr, "kdbxmerge: need DEST, at least one SRC, and OUT")
		return 1
	}
	mode, err := parseMode(opts.Mode)
	if err != nil {
		fmt.Fprintln(stderr, "kdbxmerge:", err)
		return 1
	}

	destPath := paths[0]
	srcPaths := paths[1 : len(paths)-1]
	outPath := paths[len(paths)-1]

	dest, err := openWithPrompt(destPath, stdin, stderr)
	if err != nil {
		fmt.Fprintln(stderr, "kdbxmerge:", err)
		return 2
	}
	defer dest.Close()

	for _, srcPath := range srcPaths {
		src, err := openWithPrompt(srcPath, stdin, stderr)
		if err != nil {
			fmt.Fprintln(stderr, "kdbxmerge:", err)
			return 2
		}
		result, err := dest.Merge(src, mode, opts.Metadata)
		src.Close()
		if err != nil {
			fmt.Fprintln(stderr, "kdbxmerge:", err)
			return 3
		}
		if result.AmbiguousAncestors > 0 {
			kdbxmerge.Logger.Printf("%s: %d entries fell back to a two-way merge (ambiguous common ancestor)", srcPath, result.AmbiguousAncestors)
		}
	}

	out, err := os.Create(outPath)
	if err != nil {
		fmt.Fprintln(stderr, "kdbxmerge:", err)
		return 2
	}
	defer out.Close()
	if err := dest.WriteTo(out); err != nil {
		fmt.Fprintln(stderr, "kdbxmerge:", err)
		return 3
	}
	return 0
}

func parseMode(s string) (kdbxmerge.Mode, error) {
	switch s {
	case "OVERWRITE_IF_NEWER":
		return kdbxmerge.ModeOverwriteIfNewer, nil
	case "SYNCHRONIZE":
		return kdbxmerge.ModeSynchronize, nil
	case "SYNCHRONIZE_3WAY":
		return kdbxmerge.ModeSynchronize3Way, nil
	default:
		return 0, fmt.Errorf("unknown merge type %q", s)
	}
}

func openWithPrompt(path string, stdin io.Reader, stderr io.Writer) (*kdbxmerge.Database, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fmt.Fprintf(stderr, "Password for %s: ", path)
	password, err := readLine(stdin)
	if err != nil {
		return nil, err
	}
	return kdbxmerge.Open(f, [][]byte{password}, true, kdbxmerge.NewOptions())
}

func readLine(r io.Reader) ([]byte, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		return nil, scanner.Err()
	}
	return []byte(scanner.Text()), nil
}
