package campaigns

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidTemplate is returned for unclosed or malformed block markup.
var ErrInvalidTemplate = errors.New("campaigns: invalid template syntax")

var (
	blockOpenRe = regexp.MustCompile(`\{%\s*block\s+(\w+)\s*%\}`)
	blockEndRe  = regexp.MustCompile(`\{%\s*endblock\s*(?:\w+\s*)?%\}`)
	variableRe  = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_.]*)\s*\}\}`)
)

// Block is one named region of a base template, in source order.
type Block struct {
	Name   string
	Source string
}

// blockSpan locates the named block and returns the bounds of its inner
// source, handling nested blocks by bracket matching.
func blockSpan(source, name string) (start, end int, err error) {
	openRe, err := regexp.Compile(`\{%\s*block\s+` + regexp.QuoteMeta(name) + `\s*%\}`)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	loc := openRe.FindStringIndex(source)
	if loc == nil {
		return 0, 0, fmt.Errorf("%w: block %q not found", ErrInvalidTemplate, name)
	}

	start = loc[1]
	end = start
	innerStart := start
	endWidth := 0
	for {
		end += endWidth
		next := blockEndRe.FindStringIndex(source[end:])
		if next == nil {
			return 0, 0, fmt.Errorf("%w: block %q not closed", ErrInvalidTemplate, name)
		}
		end += next[0]
		endWidth = next[1] - next[0]

		// Any open block between the previous scan point and this
		// endblock claims it; keep scanning for our own.
		nested := blockOpenRe.FindStringIndex(source[innerStart:end])
		if nested == nil {
			return start, end, nil
		}
		innerStart += nested[1]
	}
}

// TemplateBlocks returns the blocks defined by a template source, in
// order of appearance, with their inner source.
func TemplateBlocks(source string) ([]Block, error) {
	matches := blockOpenRe.FindAllStringSubmatch(source, -1)
	seen := make(map[string]bool)
	var blocks []Block
	for _, m := range matches {
		name := m[1]
		if seen[name] {
			continue
		}
		seen[name] = true
		start, end, err := blockSpan(source, name)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, Block{Name: name, Source: source[start:end]})
	}
	return blocks, nil
}

// TemplateVariables returns the set of variable names a template refers
// to, excluding block-machinery names.
func TemplateVariables(source string) map[string]bool {
	vars := make(map[string]bool)
	for _, m := range variableRe.FindAllStringSubmatch(source, -1) {
		name := m[1]
		if strings.HasPrefix(name, "block") {
			continue
		}
		vars[name] = true
	}
	return vars
}

// ApplyBlocks resolves single-level block inheritance: each block region
// in the base template is replaced by the override content when one is
// present, otherwise by the block's own inner source, with the block
// delimiters removed either way.
func ApplyBlocks(base string, overrides map[string]string) (string, error) {
	blocks, err := TemplateBlocks(base)
	if err != nil {
		return "", err
	}

	out := base
	for _, blk := range blocks {
		start, end, err := blockSpan(out, blk.Name)
		if err != nil {
			// A nested block may already be consumed by its parent's
			// replacement; that is not an error.
			continue
		}
		openRe := regexp.MustCompile(`\{%\s*block\s+` + regexp.QuoteMeta(blk.Name) + `\s*%\}`)
		openLoc := openRe.FindStringIndex(out)
		if openLoc == nil {
			continue
		}
		endLoc := blockEndRe.FindStringIndex(out[end:])
		if endLoc == nil {
			return "", fmt.Errorf("%w: block %q not closed", ErrInvalidTemplate, blk.Name)
		}

		content, ok := overrides[blk.Name]
		if !ok || strings.TrimSpace(content) == "" {
			content = out[start:end]
		}
		out = out[:openLoc[0]] + content + out[end+endLoc[1]:]
	}
	return out, nil
}
