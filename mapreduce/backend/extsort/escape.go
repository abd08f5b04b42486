package extsort

import (
	"bytes"
	"fmt"

	"github.com/tymbaca/multicore-mapreduce/mapreduce"
)

// appendEscaped appends src with '\\', '\t' and '\n' escaped, so the record
// and field separators of the sort format never show up inside a field.
func appendEscaped(dst, src []byte) []byte {
	for _, c := range src {
		switch c {
		case '\\':
			dst = append(dst, '\\', '\\')
		case '\t':
			dst = append(dst, '\\', 't')
		case '\n':
			dst = append(dst, '\\', 'n')
		default:
			dst = append(dst, c)
		}
	}
	return dst
}

func appendUnescaped(dst, src []byte) ([]byte, error) {
	for i := 0; i < len(src); i++ {
		c := src[i]
		if c != '\\' {
			dst = append(dst, c)
			continue
		}

		i++
		if i == len(src) {
			return nil, fmt.Errorf("dangling escape: %w", mapreduce.ErrCorruptRecord)
		}
		switch src[i] {
		case '\\':
			dst = append(dst, '\\')
		case 't':
			dst = append(dst, '\t')
		case 'n':
			dst = append(dst, '\n')
		default:
			return nil, fmt.Errorf("unknown escape %q: %w", src[i], mapreduce.ErrCorruptRecord)
		}
	}
	return dst, nil
}

// appendLine appends one sort line: esc(key) '\t' esc(record) '\n'.
func appendLine(dst, key, record []byte) []byte {
	dst = appendEscaped(dst, key)
	dst = append(dst, '\t')
	dst = appendEscaped(dst, record)
	return append(dst, '\n')
}

// splitLine returns the escaped record part of a line without its
// delimiter.
func splitLine(line []byte) ([]byte, error) {
	line = bytes.TrimSuffix(line, []byte{'\n'})
	i := bytes.IndexByte(line, '\t')
	if i < 0 {
		return nil, fmt.Errorf("line without key separator: %w", mapreduce.ErrCorruptRecord)
	}
	return line[i+1:], nil
}
