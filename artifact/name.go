// Package artifact implements the artifact cache: a thin layer
// composing the CAS object store and the quota accounting into
// element-keyed refs with required-set pinning and
// remote pull/push.
/*
 * Copyright (c) 2024, BuildStream Go Authors. All rights reserved.
 */
package artifact

import "strings"

// RefName builds the ref path "<project>/<sanitized-element>/<key>": any
// character outside [A-Za-z0-9._-] in the element name is replaced with
// '_'. The project and key are trusted to already be well-formed (the
// loader controls project names; keys are hex digests).
func RefName(project, element, key string) string {
	return project + "/" + sanitizeElement(element) + "/" + key
}

func sanitizeElement(element string) string {
	var b strings.Builder
	b.Grow(len(element))
	for _, r := range element {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
