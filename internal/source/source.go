// Package source loads the raw message lines a run delivers.
package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"

	"pacebot/internal/faults"
)

// Source yields raw, un-normalized lines in order.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]string, error)
}

// File reads newline-delimited UTF-8 text.
type File struct {
	Path string
}

func (f File) Name() string { return "file:" + f.Path }

func (f File) Fetch(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrSourceUnavailable, err)
	}
	return splitLines(b)
}

func splitLines(b []byte) ([]string, error) {
	b = bytes.TrimPrefix(b, []byte("\xef\xbb\xbf"))
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, 64*1024), len(b)+1)
	var out []string
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrSourceUnavailable, err)
	}
	return out, nil
}
