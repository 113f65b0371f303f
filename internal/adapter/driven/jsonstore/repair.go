package jsonstore

import (
	"fmt"

	"github.com/ericfisherdev/ledgerlink/internal/domain/model"
	"github.com/ericfisherdev/ledgerlink/internal/domain/port/driven"
)

// Repair recovers a registry document from raw bytes that failed to parse.
// It finds every position at which the top-level array closes with balanced
// brackets and tries the prefixes ending there, latest first. It returns the
// recovered companies and the number of bytes discarded after the prefix.
func Repair(raw []byte) ([]model.Company, int, error) {
	ends := balancedArrayEnds(raw)
	for i := len(ends) - 1; i >= 0; i-- {
		end := ends[i]
		companies, err := decodeDocument(raw[:end])
		if err != nil {
			continue
		}
		return companies, len(raw) - end, nil
	}
	return nil, 0, fmt.Errorf("%w: no balanced array prefix of %d bytes parses", driven.ErrRegistryUnrepairable, len(raw))
}

// balancedArrayEnds returns the exclusive end offsets at which a top-level
// JSON array closes. Brackets inside string literals are ignored. Scanning
// stops at the first closer that has no matching opener.
func balancedArrayEnds(raw []byte) []int {
	var (
		ends     []int
		depth    int
		inString bool
		escaped  bool
	)

	for i, b := range raw {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
		case '[', '{':
			depth++
		case ']', '}':
			depth--
			if depth < 0 {
				return ends
			}
			if depth == 0 && b == ']' {
				ends = append(ends, i+1)
			}
		}
	}

	return ends
}
