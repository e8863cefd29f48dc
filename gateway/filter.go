package gateway

// Op is a filter operator understood by every Store implementation.
type Op string

const (
	OpEq    Op = "eq"
	OpIn    Op = "in"
	OpMatch Op = "match" // substring-like, case-insensitive text match
)

// Cond is a single column condition.
type Cond struct {
	Op    Op
	Value any
}

// Filter maps column names to conditions; conditions are ANDed.
type Filter map[string]Cond

func Eq(v any) Cond {
	return Cond{Op: OpEq, Value: v}
}

func In[T any](vs []T) Cond {
	values := make([]any, len(vs))
	for i, v := range vs {
		values[i] = v
	}
	return Cond{Op: OpIn, Value: values}
}

func Match(s string) Cond {
	return Cond{Op: OpMatch, Value: s}
}

// SelectOption tweaks a Select call.
type SelectOption func(*SelectOptions)

type SelectOptions struct {
	OrderColumn string
	Descending  bool
	Limit       int
}

func OrderBy(column string, descending bool) SelectOption {
	return func(o *SelectOptions) {
		o.OrderColumn = column
		o.Descending = descending
	}
}

func Limit(n int) SelectOption {
	return func(o *SelectOptions) {
		o.Limit = n
	}
}

// ApplySelectOptions folds opts into a SelectOptions value.
func ApplySelectOptions(opts []SelectOption) SelectOptions {
	var o SelectOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
