package browser

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// DefaultBlockTypes are the resource types a detail page never needs.
var DefaultBlockTypes = []string{
	"beacon", "csp_report", "font", "image", "imageset", "media",
	"object", "texttrack", "iframe", "stylesheet", "script",
}

// BlockSet is a normalized set of blocked resource types.
type BlockSet map[string]bool

// NewBlockSet lower-cases types into a BlockSet.
func NewBlockSet(types []string) BlockSet {
	s := make(BlockSet, len(types))
	for _, t := range types {
		s[normalizeType(t)] = true
	}
	return s
}

// normalizeType maps CDP resource type names onto the names used in
// block lists.
func normalizeType(t string) string {
	lower := strings.ToLower(t)
	switch lower {
	case "ping":
		return "beacon"
	case "cspviolationreport":
		return "csp_report"
	}
	return lower
}

// ShouldBlock reports whether a request must be aborted: its resource type
// is blocked, or its hostname differs from targetHost.
func ShouldBlock(resourceType, requestHost, targetHost string, block BlockSet) bool {
	if block[normalizeType(resourceType)] {
		return true
	}
	return targetHost != "" && !strings.EqualFold(requestHost, targetHost)
}

// applyResourceBlocking sets up request interception on page and returns
// the running router.
func applyResourceBlocking(page *rod.Page, block BlockSet, targetHost string) *rod.HijackRouter {
	router := page.HijackRequests()

	router.MustAdd("*", func(ctx *rod.Hijack) {
		if ShouldBlock(string(ctx.Request.Type()), ctx.Request.URL().Hostname(), targetHost, block) {
			ctx.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		ctx.ContinueRequest(&proto.FetchContinueRequest{})
	})

	go router.Run()

	return router
}
