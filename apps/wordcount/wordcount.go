// Package wordcount counts words. Words are separated by whitespace and
// compared case-insensitively.
package wordcount

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"unicode"

	"github.com/tymbaca/multicore-mapreduce/mapreduce"
)

// Job counts the words of the splits returned by split.
func Job(split mapreduce.SplitFunc) mapreduce.Job[*Record] {
	return mapreduce.Job[*Record]{
		Split: split,
		Map:   Map,
		Less:  MoreFrequent,
	}
}

// Map emits (word, 1) for every word of the split.
func Map(ctx context.Context, split mapreduce.Split, emit mapreduce.Emitter) error {
	word := make([]byte, 0, MaxKeyLen)

	data := split.Data
	for len(data) > 0 {
		i := bytes.IndexFunc(data, func(r rune) bool { return !unicode.IsSpace(r) })
		if i < 0 {
			break
		}
		data = data[i:]

		end := bytes.IndexFunc(data, unicode.IsSpace)
		if end < 0 {
			end = len(data)
		}

		// the shard is picked from the emitted key, so it has to be the
		// stored one
		word = appendLower(word[:0], data[:min(end, MaxKeyLen)])
		if err := emit.Emit(word, 1); err != nil {
			return err
		}
		data = data[end:]
	}

	return nil
}

func appendLower(dst, word []byte) []byte {
	for _, c := range word {
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		dst = append(dst, c)
	}
	return dst
}

// MoreFrequent orders by count, highest first, then by word.
func MoreFrequent(_ mapreduce.Operations[*Record], a, b *Record) bool {
	if a.Count != b.Count {
		return a.Count > b.Count
	}
	return bytes.Compare(a.Key, b.Key) < 0
}

// Format prints a record the way the results table is laid out.
func Format(w io.Writer, _ mapreduce.Operations[*Record], r *Record) error {
	_, err := fmt.Fprintf(w, "%15s - %d\n", r.Key, r.Count)
	return err
}
