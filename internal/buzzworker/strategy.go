package buzzworker

import (
	"net/http"
	"strings"
	"time"
)

// Class is the request classification that selects a strategy.
type Class int

const (
	ClassUnmatched Class = iota
	ClassNavigation
	ClassStaticAsset
	ClassImage
)

func (c Class) String() string {
	switch c {
	case ClassNavigation:
		return "navigation"
	case ClassStaticAsset:
		return "static"
	case ClassImage:
		return "image"
	default:
		return "unmatched"
	}
}

// Order says which of cache and network is consulted first.
type Order int

const (
	OrderCacheFirst Order = iota
	OrderNetworkFirst
)

func (o Order) String() string {
	if o == OrderNetworkFirst {
		return "networkFirst"
	}
	return "cacheFirst"
}

type strategyDescriptor struct {
	Partition     string
	Order         Order
	Policy        Policy
	BypassCookies []string
}

func defaultStrategies() map[Class]strategyDescriptor {
	const day = 24 * time.Hour
	return map[Class]strategyDescriptor{
		ClassNavigation: {
			Partition: "pages-cache",
			Order:     OrderNetworkFirst,
			Policy:    Policy{MaxAge: day},
		},
		ClassStaticAsset: {
			Partition: "static-assets-cache",
			Order:     OrderCacheFirst,
			Policy:    Policy{MaxEntries: 100, MaxAge: 7 * day},
		},
		ClassImage: {
			Partition: "images-cache",
			Order:     OrderCacheFirst,
			Policy:    Policy{MaxEntries: 60, MaxAge: 30 * day},
		},
	}
}

// Classify maps a request to its class using the fetch metadata headers
// browsers send (Sec-Fetch-Mode, Sec-Fetch-Dest). The URL is never consulted.
func Classify(r *http.Request) Class {
	if r.Method != http.MethodGet {
		return ClassUnmatched
	}
	mode := strings.ToLower(strings.TrimSpace(r.Header.Get("Sec-Fetch-Mode")))
	dest := strings.ToLower(strings.TrimSpace(r.Header.Get("Sec-Fetch-Dest")))
	if mode == "navigate" {
		return ClassNavigation
	}
	switch dest {
	case "document":
		return ClassNavigation
	case "script", "style", "font":
		return ClassStaticAsset
	case "image":
		return ClassImage
	}
	return ClassUnmatched
}

// strategyTable resolves a class to the partition and order that serve it.
type strategyTable map[Class]strategy

type strategy struct {
	order         Order
	partition     *Partition
	bypassCookies []string
}

func (t strategyTable) lookup(c Class) (strategy, bool) {
	s, ok := t[c]
	return s, ok
}

// partitionNames lists the runtime partitions the table owns.
func (t strategyTable) partitionNames() map[string]struct{} {
	out := make(map[string]struct{}, len(t))
	for _, s := range t {
		out[s.partition.Name()] = struct{}{}
	}
	return out
}

// hasAnyCookie reports whether r carries one of the named cookies.
func hasAnyCookie(r *http.Request, names []string) bool {
	if len(names) == 0 {
		return false
	}
	cookies := r.Cookies()
	for _, n := range names {
		n = strings.TrimSpace(n)
		for _, c := range cookies {
			if n == "*" || c.Name == n {
				return true
			}
		}
	}
	return false
}
