package room

import (
	"math/rand/v2"

	"golang.org/x/exp/slices"
)

// Colors is the presence palette handed out to room members.
var Colors = []string{"purple", "blue", "green", "yellow", "orange", "red"}

// pickColor honors requested when no other member uses it. Otherwise it
// picks a random free color, or any color once the palette is exhausted.
func pickColor(members []Member, requested string) string {
	var free []string
	for _, c := range Colors {
		if !slices.ContainsFunc(members, func(m Member) bool { return m.Color == c }) {
			free = append(free, c)
		}
	}
	if len(free) == 0 {
		free = Colors
	}
	if requested != "" && slices.Contains(free, requested) {
		return requested
	}
	return free[rand.IntN(len(free))]
}
