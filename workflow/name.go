package workflow

import "strings"

const nameSeparator = "|"

// FormatName builds the stable cross-reference name "Class|id".
func FormatName(class, id string) string {
	return class + nameSeparator + id
}

// ParseName splits a reference into class and id. The id is empty for a
// bare class reference, which matches any entity of that class in scope.
func ParseName(ref string) (class, id string) {
	class, id, _ = strings.Cut(ref, nameSeparator)
	return class, id
}

// matchesRef reports whether v is addressed by ref.
func matchesRef(v Vertex, ref string) bool {
	class, id := ParseName(ref)
	if id == "" {
		return v.ClassName() == class
	}
	return v.Name() == ref
}

// validClass rejects identities that would corrupt the key layout.
func validClass(class string) bool {
	return class != "" && !strings.ContainsAny(class, "|.*?[] \t\n")
}
