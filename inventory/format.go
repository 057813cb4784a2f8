package inventory

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// maxDisplayDigits keeps milligram-scale values readable without noise.
const maxDisplayDigits = 3

// Format renders the amount for display in the given locale, e.g. "2.5 g"
// for English or "2,5 g" for German. It has no side effects.
func (a Amount) Format(tag language.Tag) string {
	p := message.NewPrinter(tag)
	return p.Sprintf("%v %s",
		number.Decimal(a.Value.InexactFloat64(), number.MaxFractionDigits(maxDisplayDigits)),
		a.Unit.Symbol())
}
