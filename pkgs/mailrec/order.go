package mailrec

import (
	"sort"
	"strings"
)

// SortKey is a server side sort criterion.
type SortKey int

const (
	SortDate SortKey = iota
	SortArrival
	SortFrom
	SortSubject
	SortTo
	SortCc
	SortSize
)

func (k SortKey) String() string {
	switch k {
	case SortArrival:
		return "arrival"
	case SortFrom:
		return "from"
	case SortSubject:
		return "subject"
	case SortTo:
		return "to"
	case SortCc:
		return "cc"
	case SortSize:
		return "size"
	}
	return "date"
}

var orderCriteria = map[string]SortKey{
	"message_date": SortDate,
	"date":         SortDate,
	"arrival_date": SortArrival,
	"from_address": SortFrom,
	"subject":      SortSubject,
	"to_address":   SortTo,
	"cc_address":   SortCc,
	"size":         SortSize,
}

// OrderSpec is either the default order or a named criterion with a
// direction. The zero value is the default order.
type OrderSpec struct {
	Criterion string
	Direction string
}

// DefaultOrder returns the order used when the caller names none.
func DefaultOrder() OrderSpec {
	return OrderSpec{}
}

// Named returns an order on criterion in the given direction ("asc" or
// anything else for descending). An empty direction is ascending.
func Named(criterion, direction string) OrderSpec {
	return OrderSpec{Criterion: criterion, Direction: direction}
}

// IsDefault reports whether o is the default order.
func (o OrderSpec) IsDefault() bool {
	return o.Criterion == ""
}

// ParseOrder converts a loosely typed order directive into an OrderSpec.
// Accepted shapes are nil, "size", []string{"size"}, map[string]string{"size": "desc"}
// and one element slices of either. Anything else yields the default order.
func ParseOrder(v any) OrderSpec {
	switch x := v.(type) {
	case nil:
		return DefaultOrder()
	case OrderSpec:
		return x
	case string:
		return Named(x, "")
	case []string:
		if len(x) == 0 {
			return DefaultOrder()
		}
		return Named(x[0], "")
	case map[string]string:
		for _, k := range sortedKeys(x) {
			return Named(k, mapDirection(x[k]))
		}
		return DefaultOrder()
	case map[string]any:
		for _, k := range sortedAnyKeys(x) {
			dir, _ := x[k].(string)
			return Named(k, mapDirection(dir))
		}
		return DefaultOrder()
	case []map[string]string:
		if len(x) == 0 {
			return DefaultOrder()
		}
		return ParseOrder(x[0])
	case []any:
		if len(x) == 0 {
			return DefaultOrder()
		}
		return ParseOrder(x[0])
	}
	return DefaultOrder()
}

// TranslateOrder maps an order to a server sort key and reverse flag.
// Unrecognised criteria fall back to ascending date.
func TranslateOrder(o OrderSpec) (SortKey, bool) {
	if o.IsDefault() {
		return SortDate, false
	}
	key, ok := orderCriteria[strings.ToLower(strings.TrimSpace(o.Criterion))]
	if !ok {
		return SortDate, false
	}
	reverse := o.Direction != "" && !strings.EqualFold(o.Direction, "asc")
	return key, reverse
}

// mapDirection handles the direction of a {criterion: direction} pair. The
// direction is given explicitly there, so an empty one is not "asc" and
// sorts in reverse.
func mapDirection(dir string) string {
	if dir == "" {
		return "desc"
	}
	return dir
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedAnyKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
