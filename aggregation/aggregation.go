// Package aggregation holds the compile-time table that maps a feature's
// aggregation method to its runtime behavior, scope, and reset semantics.
// Nothing here is computed; it exists so that every other package (meter,
// cycle, entitlement) looks up behavior through a single typed table
// instead of re-deriving it from the method name.
package aggregation

// Method is the aggregation method configured on a FeaturePlanVersion.
type Method string

const (
	MethodNone             Method = "none"
	MethodSum              Method = "sum"
	MethodCount            Method = "count"
	MethodMax              Method = "max"
	MethodLastDuringPeriod Method = "last_during_period"
	MethodSumAll           Method = "sum_all"
	MethodCountAll         Method = "count_all"
	MethodMaxAll           Method = "max_all"
)

// Behavior determines how the usage meter folds a new delta into the
// running counter.
type Behavior string

const (
	// BehaviorNone means the meter never accumulates; the feature is a
	// flat on/off gate.
	BehaviorNone Behavior = "none"
	// BehaviorSum accumulates deltas (count methods add 1 per event).
	BehaviorSum Behavior = "sum"
	// BehaviorMax keeps the maximum delta observed.
	BehaviorMax Behavior = "max"
	// BehaviorLast replaces the counter with the most recent delta.
	BehaviorLast Behavior = "last"
)

// Scope determines whether the counter is bound to the current cycle
// window or accumulates over the grant's entire lifetime.
type Scope string

const (
	ScopePeriod   Scope = "period"
	ScopeLifetime Scope = "lifetime"
)

// Config is the resolved (behavior, scope, resets) triple for a Method.
type Config struct {
	Behavior Behavior
	Scope    Scope
	Resets   bool
}

// table is the compile-time aggregation configuration (spec §4.A). It is
// intentionally a plain map literal, not something computed at init: every
// entry here is a fixed product decision, not a derivation.
var table = map[Method]Config{
	MethodNone:             {Behavior: BehaviorNone, Scope: ScopePeriod, Resets: true},
	MethodSum:              {Behavior: BehaviorSum, Scope: ScopePeriod, Resets: true},
	MethodCount:            {Behavior: BehaviorSum, Scope: ScopePeriod, Resets: true},
	MethodMax:              {Behavior: BehaviorMax, Scope: ScopePeriod, Resets: true},
	MethodLastDuringPeriod: {Behavior: BehaviorLast, Scope: ScopePeriod, Resets: true},
	MethodSumAll:           {Behavior: BehaviorSum, Scope: ScopeLifetime, Resets: false},
	MethodCountAll:         {Behavior: BehaviorSum, Scope: ScopeLifetime, Resets: false},
	MethodMaxAll:           {Behavior: BehaviorMax, Scope: ScopeLifetime, Resets: false},
}

// Lookup returns the Config for method, and false if method is not a
// recognized aggregation method.
func Lookup(method Method) (Config, bool) {
	cfg, ok := table[method]
	return cfg, ok
}

// MustLookup is like Lookup but panics on an unrecognized method. Callers
// should have validated the method at write time (plan/feature creation);
// reaching an unknown method at read time is a data integrity bug.
func MustLookup(method Method) Config {
	cfg, ok := table[method]
	if !ok {
		panic("aggregation: unrecognized method " + string(method))
	}
	return cfg
}

// IsCountMethod reports whether method adds a constant 1 per usage event
// rather than folding in the event's reported delta.
func IsCountMethod(method Method) bool {
	return method == MethodCount || method == MethodCountAll
}
