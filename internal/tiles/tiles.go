// Package tiles attributes exported tile filenames to known layer names.
//
// The remote export system splits a layer into numbered tiles when it
// exceeds the single-file size limit, appending a purely numeric sequence
// suffix to the layer name (e.g. "elev0000000000-0000000000.tif"). Layer
// names are not prefix-free, so a filename is matched against candidates
// longest-first, and a candidate only matches when the filename is either
// exactly "<name>.tif" or continues with a decimal digit.
package tiles

import (
	"sort"
	"strings"
)

const tileExt = ".tif"

// byLengthDesc returns a copy of names sorted longest-first, with ties
// broken alphabetically so attribution is deterministic.
func byLengthDesc(names []string) []string {
	out := make([]string, len(names))
	copy(out, names)
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i] < out[j]
	})
	return out
}

func matches(filename, candidate string) bool {
	if !strings.HasPrefix(filename, candidate) {
		return false
	}
	if filename == candidate+tileExt {
		return true
	}
	if len(filename) <= len(candidate) {
		return false
	}
	next := filename[len(candidate)]
	return next >= '0' && next <= '9'
}

// Match assigns a tile filename to exactly one of the known layer names.
// Filenames without the .tif extension, and filenames matching no
// candidate, return ok=false; the caller is expected to log and skip them.
func Match(filename string, layers []string) (string, bool) {
	if !strings.HasSuffix(filename, tileExt) {
		return "", false
	}
	for _, name := range byLengthDesc(layers) {
		if matches(filename, name) {
			return name, true
		}
	}
	return "", false
}

// CountByLayer attributes every filename to a layer and returns the number
// of tiles found per layer. Unattributable filenames are ignored.
func CountByLayer(filenames, layers []string) map[string]int {
	candidates := byLengthDesc(layers)
	counts := make(map[string]int)
	for _, fname := range filenames {
		if !strings.HasSuffix(fname, tileExt) {
			continue
		}
		for _, name := range candidates {
			if matches(fname, name) {
				counts[name]++
				break
			}
		}
	}
	return counts
}

// ForLayer returns the sorted subset of filenames that attribute to the
// given layer. Attribution runs against the full candidate set so a tile
// belonging to a longer layer name is never claimed by a prefix of it.
func ForLayer(filenames, layers []string, layer string) []string {
	var out []string
	for _, fname := range filenames {
		if name, ok := Match(fname, layers); ok && name == layer {
			out = append(out, fname)
		}
	}
	sort.Strings(out)
	return out
}
