package pathfs

import "strings"

// EditResult is the outcome of a successful ApplyEdit.
type EditResult struct {
	Content      string
	Replacements int
}

// ApplyEdit performs an exact-string structural edit over content.
//
// old == "" fails EmptyOldString. old == new fails NoChange. When
// replaceAll is false, old must occur exactly once or the edit fails
// OldNotUnique (zero occurrences fails OldNotFound instead).
func ApplyEdit(content, old, new string, replaceAll bool) (*EditResult, error) {
	if old == "" {
		return nil, newEditError(EmptyOldString, "old_string must not be empty")
	}
	if old == new {
		return nil, newEditError(NoChange, "old_string and new_string are identical")
	}

	count := strings.Count(content, old)
	if count == 0 {
		return nil, newEditError(OldNotFound, "old_string not found in content")
	}

	if replaceAll {
		return &EditResult{
			Content:      strings.ReplaceAll(content, old, new),
			Replacements: count,
		}, nil
	}

	if count != 1 {
		return nil, newEditError(OldNotUnique, "old_string occurs more than once; pass replace_all or a more specific old_string")
	}

	return &EditResult{
		Content:      strings.Replace(content, old, new, 1),
		Replacements: 1,
	}, nil
}
