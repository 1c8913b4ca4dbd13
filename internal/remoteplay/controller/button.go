package controller

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vishalkuo/bimap"
)

// Button is a bitmask of pressed controller buttons.
type Button uint32

const (
	ButtonCross Button = 1 << iota
	ButtonCircle
	ButtonSquare
	ButtonTriangle
	ButtonDPadLeft
	ButtonDPadRight
	ButtonDPadUp
	ButtonDPadDown
	ButtonL1
	ButtonR1
	ButtonL3
	ButtonR3
	ButtonOptions
	ButtonShare
	ButtonTouchpad
	ButtonPS
	// Analog triggers also have a digital bit.
	ButtonL2
	ButtonR2
)

var buttonNames = func() *bimap.BiMap[string, Button] {
	m := bimap.NewBiMap[string, Button]()
	for name, b := range map[string]Button{
		"cross":    ButtonCross,
		"circle":   ButtonCircle,
		"square":   ButtonSquare,
		"triangle": ButtonTriangle,
		"left":     ButtonDPadLeft,
		"right":    ButtonDPadRight,
		"up":       ButtonDPadUp,
		"down":     ButtonDPadDown,
		"l1":       ButtonL1,
		"r1":       ButtonR1,
		"l3":       ButtonL3,
		"r3":       ButtonR3,
		"options":  ButtonOptions,
		"share":    ButtonShare,
		"touchpad": ButtonTouchpad,
		"ps":       ButtonPS,
		"l2":       ButtonL2,
		"r2":       ButtonR2,
	} {
		m.Insert(name, b)
	}
	return m
}()

// ParseButton looks a button up by its lower-case name ("cross", "ps", "up", ...).
func ParseButton(name string) (Button, error) {
	b, ok := buttonNames.Get(strings.ToLower(strings.TrimSpace(name)))
	if !ok {
		return 0, fmt.Errorf("unknown button %q", name)
	}
	return b, nil
}

// ButtonNames returns every known button name, sorted.
func ButtonNames() []string {
	names := make([]string, 0, 18)
	for b := ButtonCross; b <= ButtonR2; b <<= 1 {
		if name, ok := buttonNames.GetInverse(b); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (b Button) String() string {
	if b == 0 {
		return "none"
	}
	if name, ok := buttonNames.GetInverse(b); ok {
		return name
	}

	var parts []string
	for bit := ButtonCross; bit <= ButtonR2; bit <<= 1 {
		if b&bit == 0 {
			continue
		}
		if name, ok := buttonNames.GetInverse(bit); ok {
			parts = append(parts, name)
		}
	}
	if rest := b &^ (ButtonR2<<1 - 1); rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "+")
}
