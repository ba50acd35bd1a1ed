package worker

import "coderoom/backend/internal/crdt"

// reconcile edits doc in place until it flattens to text, expressed as
// one delete and one insert around the common prefix and suffix. Editing
// the existing document keeps concurrent session edits mergeable; a
// freshly built document would duplicate every unchanged rune on merge.
func reconcile(doc *crdt.Doc, text string) (bool, error) {
	oldRunes := []rune(doc.Flatten())
	newRunes := []rune(text)

	prefix := 0
	for prefix < len(oldRunes) && prefix < len(newRunes) && oldRunes[prefix] == newRunes[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(oldRunes)-prefix && suffix < len(newRunes)-prefix &&
		oldRunes[len(oldRunes)-1-suffix] == newRunes[len(newRunes)-1-suffix] {
		suffix++
	}

	deleted := len(oldRunes) - prefix - suffix
	inserted := string(newRunes[prefix : len(newRunes)-suffix])
	if deleted == 0 && inserted == "" {
		return false, nil
	}

	if deleted > 0 {
		if _, err := doc.DeleteAt(prefix, deleted); err != nil {
			return false, err
		}
	}
	if inserted != "" {
		if _, err := doc.InsertAt(prefix, inserted); err != nil {
			return false, err
		}
	}
	return true, nil
}
