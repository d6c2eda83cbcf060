package scheduler

import "github.com/buildstream-go/bst-core/artifact"

// CachedFailureFromCache adapts an artifact.Cache's failure index into a
// CachedFailureFunc, looking up a previously recorded failure under the
// cache key that keyForElement returns for the element.
func CachedFailureFromCache(cache *artifact.Cache, project string, keyForElement func(element string) string) CachedFailureFunc {
	return func(element string) (Result, bool) {
		key := keyForElement(element)
		rec, ok, err := cache.LookupFailure(project, element, key)
		if err != nil || !ok {
			return Result{}, false
		}
		return Result{Code: ResultPermFail, Err: errFromRecord(rec), LogPath: rec.LogPath}, true
	}
}

func errFromRecord(rec artifact.FailureRecord) error {
	return cachedFailureError{rec}
}

type cachedFailureError struct{ rec artifact.FailureRecord }

func (e cachedFailureError) Error() string {
	if e.rec.Detail != "" {
		return e.rec.Brief + ": " + e.rec.Detail
	}
	return e.rec.Brief
}
