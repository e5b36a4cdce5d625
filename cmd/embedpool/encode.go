package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fyrsmithlabs/embedpool/internal/encoder"
	"github.com/fyrsmithlabs/embedpool/internal/pool"
	"github.com/fyrsmithlabs/embedpool/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// maxLineSize bounds one input text.
const maxLineSize = 1 << 20

var (
	encodeDevices    []string
	encodeChunkSize  int
	encodeKind       string
	encodeOut        string
	encodeStore      string
	encodeCollection string
)

func init() {
	rootCmd.AddCommand(encodeCmd)
	encodeCmd.Flags().StringSliceVar(&encodeDevices, "devices", nil, "devices to start one worker each on (e.g. cuda:0,cuda:1)")
	encodeCmd.Flags().IntVar(&encodeChunkSize, "chunk-size", -1, "texts per chunk; 0 spreads the input evenly (default from config)")
	encodeCmd.Flags().StringVar(&encodeKind, "kind", "", "query or corpus (default from config)")
	encodeCmd.Flags().StringVarP(&encodeOut, "out", "o", "-", "output file for JSON lines, - for stdout")
	encodeCmd.Flags().StringVar(&encodeStore, "store", "", "also persist texts and embeddings into a chromem store at this path")
	encodeCmd.Flags().StringVar(&encodeCollection, "collection", "", "store collection (default from config)")
}

var encodeCmd = &cobra.Command{
	Use:   "encode [file|-]",
	Short: "Encode one text per line",
	Long: `Encode reads one text per line from a file or stdin, encodes them across
the pool's workers and writes one JSON object per input line, in input
order. Blank lines are skipped.

Examples:
  # Encode a file of documents
  embedpool encode docs.txt > docs.jsonl

  # Encode queries from stdin on two GPUs
  cat queries.txt | embedpool encode --kind query --devices cuda:0,cuda:1 -

  # Encode and persist into a local vector store
  embedpool encode --store ~/.config/embedpool/store --collection notes notes.txt`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEncode,
}

// encodedLine is one line of encode output.
type encodedLine struct {
	Index     int       `json:"index"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding"`
}

func runEncode(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	in := io.Reader(cmd.InOrStdin())
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", args[0], err)
		}
		defer f.Close()
		in = f
	}
	texts, err := readLines(in)
	if err != nil {
		return err
	}
	if len(texts) == 0 {
		return fmt.Errorf("no texts to encode")
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	chunkSize := a.cfg.Pool.ChunkSize
	if encodeChunkSize >= 0 {
		chunkSize = encodeChunkSize
	}
	kind := a.cfg.Pool.Kind
	if encodeKind != "" {
		k, err := encoder.ParseKind(encodeKind)
		if err != nil {
			return err
		}
		kind = string(k)
	}

	out, err := encodeTexts(ctx, a, texts, poolOverrides{devices: encodeDevices, kind: kind}, chunkSize)
	if err != nil {
		return err
	}

	if encodeStore != "" {
		if err := storeTexts(ctx, a, texts, out); err != nil {
			return err
		}
	}

	w := cmd.OutOrStdout()
	if encodeOut != "-" && encodeOut != "" {
		f, err := os.Create(encodeOut)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", encodeOut, err)
		}
		defer f.Close()
		w = f
	}
	return writeJSONLines(w, texts, out)
}

// encodeTexts starts a pool, dispatches texts once and stops the pool.
func encodeTexts(ctx context.Context, a *app, texts []string, o poolOverrides, chunkSize int) (_ encoder.Matrix, err error) {
	p, enc, err := a.newPool(o)
	if err != nil {
		return nil, err
	}
	defer enc.Close()

	if err := p.Start(ctx); err != nil {
		return nil, err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if stopErr := p.Stop(stopCtx); stopErr != nil {
			a.logger.Warn("failed to stop pool", zap.Error(stopErr))
			if err == nil {
				err = stopErr
			}
		}
	}()

	start := time.Now()
	out, err := p.Dispatch(ctx, texts, pool.DispatchOptions{ChunkSize: chunkSize})
	if err != nil {
		return nil, err
	}
	a.logger.Info("encoded texts",
		zap.Int("items", len(texts)),
		zap.Int("dimension", out.Dim()),
		zap.Int("workers", p.Size()),
		zap.Duration("duration", time.Since(start)))
	return out, nil
}

func storeTexts(ctx context.Context, a *app, texts []string, embeddings encoder.Matrix) error {
	collection := a.cfg.Store.Collection
	if encodeCollection != "" {
		collection = encodeCollection
	}
	st, err := store.NewChromem(store.Config{
		Path:       encodeStore,
		Collection: collection,
		Compress:   a.cfg.Store.Compress,
	}, a.logger)
	if err != nil {
		return err
	}
	defer st.Close()

	docs := make([]store.Document, len(texts))
	for i, t := range texts {
		docs[i] = store.Document{Content: t}
	}
	ids, err := st.Add(ctx, "", docs, embeddings)
	if err != nil {
		return err
	}
	a.logger.Info("stored documents", zap.String("collection", collection), zap.Int("count", len(ids)))
	return nil
}

// readLines returns the non-blank lines of r.
func readLines(r io.Reader) ([]string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	var lines []string
	for sc.Scan() {
		if line := sc.Text(); strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return lines, nil
}

func writeJSONLines(w io.Writer, texts []string, m encoder.Matrix) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for i, row := range m {
		if err := enc.Encode(encodedLine{Index: i, Text: texts[i], Embedding: row}); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
	}
	return bw.Flush()
}
