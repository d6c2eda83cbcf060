package quota

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/buildstream-go/bst-core/cmn/cerr"
)

// parseSizeExpr parses a size expression: a positive integer with
// an optional K|M|G|T suffix (powers of 1024), or a "<0-100>%" of volume.
// When isPercent is true, percent holds the percentage and the caller
// resolves it against the target volume's size.
func parseSizeExpr(expr string) (absolute int64, percent float64, isPercent bool, err error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, 0, false, cerr.New(cerr.Artifact, cerr.InvalidData, "empty quota expression")
	}
	if strings.HasSuffix(expr, "%") {
		n, perr := strconv.ParseFloat(strings.TrimSuffix(expr, "%"), 64)
		if perr != nil || n < 0 || n > 100 {
			return 0, 0, false, cerr.New(cerr.Artifact, cerr.InvalidData, fmt.Sprintf("invalid percent quota %q", expr))
		}
		return 0, n, true, nil
	}
	mult := int64(1)
	numPart := expr
	if n := len(expr); n > 0 {
		switch expr[n-1] {
		case 'K', 'k':
			mult, numPart = 1024, expr[:n-1]
		case 'M', 'm':
			mult, numPart = 1024*1024, expr[:n-1]
		case 'G', 'g':
			mult, numPart = 1024*1024*1024, expr[:n-1]
		case 'T', 't':
			mult, numPart = 1024*1024*1024*1024, expr[:n-1]
		}
	}
	v, nerr := strconv.ParseInt(strings.TrimSpace(numPart), 10, 64)
	if nerr != nil || v <= 0 {
		return 0, 0, false, cerr.New(cerr.Artifact, cerr.InvalidData, fmt.Sprintf("invalid quota expression %q", expr))
	}
	return v * mult, 0, false, nil
}

// resolveQuota turns an optional quota expression (empty means "infinity")
// into an absolute byte count against the current usage and available space
// on the target volume, and validates it:
// quota must be >= headroom and <= current + available, or it's rejected
// with INSUFFICIENT_STORAGE_FOR_QUOTA.
func resolveQuota(expr string, headroom, current, available int64) (int64, error) {
	if expr == "" {
		// "infinity" is rewritten to current + available.
		return current + available, nil
	}
	abs, pct, isPct, err := parseSizeExpr(expr)
	if err != nil {
		return 0, err
	}
	quota := abs
	if isPct {
		volume := current + available
		quota = int64(pct / 100 * float64(volume))
	}
	if quota < headroom {
		return 0, cerr.New(cerr.Artifact, cerr.InsufficientStorageForQuota,
			fmt.Sprintf("quota %d is smaller than headroom %d", quota, headroom)).
			WithDetail("configure a larger cache quota or reduce headroom")
	}
	if quota > current+available {
		return 0, cerr.New(cerr.Artifact, cerr.InsufficientStorageForQuota,
			fmt.Sprintf("configured quota %d exceeds current+available storage %d", quota, current+available)).
			WithDetail("requested quota: %d bytes; volume has %d bytes currently used + available", quota, current+available)
	}
	return quota, nil
}
