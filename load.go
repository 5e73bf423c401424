package treeshap

import (
	"bufio"
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// Models may be stored as snappy framed streams, which start with this
// stream identifier chunk.
var snappyMagic = []byte("\xff\x06\x00\x00sNaPpY")

// NewExplainerFromFile creates an Explainer from a model file in the binary
// format, optionally snappy compressed.
func NewExplainerFromFile(path string, opts ...Option) (*Explainer, error) {
	fh, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, errors.Wrap(err, "opening model")
	}
	defer fh.Close()

	return NewExplainerFromReader(fh, opts...)
}

// NewExplainerFromFS creates an Explainer from a model file in fsys, such as
// an embed.FS.
func NewExplainerFromFS(fsys fs.FS, name string, opts ...Option) (*Explainer, error) {
	fh, err := fsys.Open(name)
	if err != nil {
		return nil, errors.Wrap(err, "opening model")
	}
	defer fh.Close()

	return NewExplainerFromReader(fh, opts...)
}

// NewExplainerFromReader creates an Explainer from a model in the binary
// format, optionally snappy compressed. The whole model is read before
// parsing.
func NewExplainerFromReader(r io.Reader, opts ...Option) (*Explainer, error) {
	raw, err := readModel(r)
	if err != nil {
		return nil, err
	}
	return NewExplainer(raw, opts...)
}

func readModel(r io.Reader) ([]byte, error) {
	br := bufio.NewReader(r)

	var src io.Reader = br
	// A short read here just means the model is not compressed.
	if head, err := br.Peek(len(snappyMagic)); err == nil && bytes.Equal(head, snappyMagic) {
		src = snappy.NewReader(br)
	}

	raw, err := io.ReadAll(src)
	if err != nil {
		return nil, errors.Wrap(err, "reading model")
	}
	return raw, nil
}

// WriteEnsemble writes an ensemble in the binary format, as a snappy framed
// stream if compress is true.
func WriteEnsemble(w io.Writer, ensemble *TreeEnsemble, compress bool) error {
	raw, err := ensemble.MarshalBinary()
	if err != nil {
		return err
	}

	if !compress {
		if _, err := w.Write(raw); err != nil {
			return errors.Wrap(err, "writing model")
		}
		return nil
	}

	sw := snappy.NewBufferedWriter(w)
	if _, err := sw.Write(raw); err != nil {
		return errors.Wrap(err, "writing model")
	}
	if err := sw.Close(); err != nil {
		return errors.Wrap(err, "flushing model")
	}
	return nil
}
