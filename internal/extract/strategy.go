package extract

// Strategy is one named way of pulling a field out of its input.
type Strategy[In, Out any] struct {
	Name string
	Fn   func(In) (Out, bool)
}

// Ladder tries strategies in order; the first that reports ok wins.
type Ladder[In, Out any] []Strategy[In, Out]

// Resolve returns the first successful value and the winning strategy name.
func (l Ladder[In, Out]) Resolve(in In) (Out, string, bool) {
	for _, s := range l {
		if v, ok := s.Fn(in); ok {
			return v, s.Name, true
		}
	}
	var zero Out
	return zero, "", false
}

// Value is Resolve without the strategy name.
func (l Ladder[In, Out]) Value(in In) (Out, bool) {
	v, _, ok := l.Resolve(in)
	return v, ok
}
