package bm25

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/knowledgecore/retrieval/internal/kberrors"
)

// On-disk layout (little-endian):
//
//	magic "BMIX", format version, tokenizer version
//	doc table: count, then (id, token length) per chunk
//	term table: count, then (term, df, postings) where each posting is
//	(doc table offset, tf)
//
// avgdl is stored in the header for inspection tools; load recomputes it
// from the doc table.
var indexMagic = [4]byte{'B', 'M', 'I', 'X'}

const formatVersion = 1

// ErrVersionMismatch means the file was written by a different format or
// tokenizer version and the index must be rebuilt from the repository.
var ErrVersionMismatch = errors.New("bm25: persisted index version mismatch")

func writeString(w *bufio.Writer, s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("bm25: string too long to persist (%d bytes)", len(s))
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := w.WriteString(s)
	return err
}

func readString(r *bufio.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Save writes the index to path atomically (temp file + rename).
func (ix *Index) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".idx-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := ix.encode(w); err != nil {
		tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (ix *Index) encode(w *bufio.Writer) error {
	if _, err := w.Write(indexMagic[:]); err != nil {
		return err
	}
	header := []interface{}{
		uint16(formatVersion),
		uint16(TokenizerVersion),
		uint32(len(ix.docLen)),
		ix.avgdl(),
	}
	for _, v := range header {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}

	// Doc table in sorted order so the file is deterministic.
	ids := ix.ChunkIDs()
	sort.Strings(ids)
	docIdx := make(map[string]uint32, len(ids))
	for i, id := range ids {
		docIdx[id] = uint32(i)
		if err := writeString(w, id); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(ix.docLen[id])); err != nil {
			return err
		}
	}

	terms := make([]string, 0, len(ix.postings))
	for term := range ix.postings {
		terms = append(terms, term)
	}
	sort.Strings(terms)
	if err := binary.Write(w, binary.LittleEndian, uint32(len(terms))); err != nil {
		return err
	}
	for _, term := range terms {
		posting := ix.postings[term]
		if err := writeString(w, term); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(posting))); err != nil {
			return err
		}
		chunks := make([]string, 0, len(posting))
		for id := range posting {
			chunks = append(chunks, id)
		}
		sort.Strings(chunks)
		for _, id := range chunks {
			if err := binary.Write(w, binary.LittleEndian, docIdx[id]); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, uint32(posting[id])); err != nil {
				return err
			}
		}
	}
	return nil
}

// Load reads an index from path. A missing file returns os.ErrNotExist; a
// version mismatch returns ErrVersionMismatch; anything else unreadable
// returns IndexCorrupt so the caller rebuilds.
func Load(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ix, err := decode(bufio.NewReader(f))
	if err != nil {
		if errors.Is(err, ErrVersionMismatch) {
			return nil, err
		}
		return nil, kberrors.Wrapf(kberrors.ErrIndexCorrupt, err, "loading %s", path)
	}
	return ix, nil
}

func decode(r *bufio.Reader) (*Index, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, err
	}
	if magic != indexMagic {
		return nil, fmt.Errorf("bad magic %q", magic)
	}

	var fv, tv uint16
	var numDocs uint32
	var avgdl float64
	for _, p := range []interface{}{&fv, &tv, &numDocs, &avgdl} {
		if err := binary.Read(r, binary.LittleEndian, p); err != nil {
			return nil, err
		}
	}
	if fv != formatVersion || tv != TokenizerVersion {
		return nil, ErrVersionMismatch
	}

	ix := NewIndex()
	ids := make([]string, numDocs)
	for i := range ids {
		id, err := readString(r)
		if err != nil {
			return nil, err
		}
		var dl uint32
		if err := binary.Read(r, binary.LittleEndian, &dl); err != nil {
			return nil, err
		}
		ids[i] = id
		ix.docLen[id] = int(dl)
		ix.docTerms[id] = make(map[string]int)
		ix.totalLen += int(dl)
	}

	var numTerms uint32
	if err := binary.Read(r, binary.LittleEndian, &numTerms); err != nil {
		return nil, err
	}
	for t := uint32(0); t < numTerms; t++ {
		term, err := readString(r)
		if err != nil {
			return nil, err
		}
		var df uint32
		if err := binary.Read(r, binary.LittleEndian, &df); err != nil {
			return nil, err
		}
		posting := make(map[string]int, df)
		for p := uint32(0); p < df; p++ {
			var idx, tf uint32
			if err := binary.Read(r, binary.LittleEndian, &idx); err != nil {
				return nil, err
			}
			if err := binary.Read(r, binary.LittleEndian, &tf); err != nil {
				return nil, err
			}
			if int(idx) >= len(ids) {
				return nil, fmt.Errorf("posting references doc %d of %d", idx, len(ids))
			}
			id := ids[idx]
			posting[id] = int(tf)
			ix.docTerms[id][term] = int(tf)
		}
		ix.postings[term] = posting
	}
	return ix, nil
}
