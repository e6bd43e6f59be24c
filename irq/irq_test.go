package irq_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/govmd/irq"
)

var errInject = errors.New("inject failed")

type failingInjector struct {
	failAssert bool
}

func (f *failingInjector) AssertIRQ(vmID, controller, line uint32) error {
	if f.failAssert {
		return errInject
	}

	return nil
}

func (f *failingInjector) DeassertIRQ(vmID, controller, line uint32) error {
	return errInject
}

func TestPulse(t *testing.T) {
	t.Parallel()

	r := &irq.Recorder{}

	if err := irq.Pulse(r, 7, 0, 8); err != nil {
		t.Fatal(err)
	}

	expected := []irq.Event{
		{VMID: 7, Controller: 0, Line: 8, Level: true},
		{VMID: 7, Controller: 0, Line: 8, Level: false},
	}

	actual := r.Events()
	if len(actual) != len(expected) {
		t.Fatalf("expected: %v, actual: %v", expected, actual)
	}

	for i := range expected {
		if actual[i] != expected[i] {
			t.Fatalf("expected: %v, actual: %v", expected, actual)
		}
	}

	if n := r.Pulses(8); n != 1 {
		t.Fatalf("expected: 1 pulse, actual: %d", n)
	}
}

func TestPulseError(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string
		inj  *failingInjector
	}{
		{name: "Assert", inj: &failingInjector{failAssert: true}},
		{name: "Deassert", inj: &failingInjector{}},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			if err := irq.Pulse(test.inj, 0, 0, 0); !errors.Is(err, errInject) {
				t.Fatalf("expected: %v, actual: %v", errInject, err)
			}
		})
	}
}

func TestCounter(t *testing.T) {
	t.Parallel()

	c := &irq.Counter{}

	for i := 0; i < 3; i++ {
		if err := irq.Pulse(c, 1, 0, 8); err != nil {
			t.Fatal(err)
		}
	}

	if err := c.AssertIRQ(1, 0, irq.Lines); err != nil {
		t.Fatal(err)
	}

	for _, test := range []struct {
		line     uint32
		expected uint64
	}{
		{line: 8, expected: 3},
		{line: 0, expected: 0},
		{line: irq.Lines, expected: 0},
	} {
		if actual := c.Count(test.line); actual != test.expected {
			t.Fatalf("line %d expected: %d, actual: %d", test.line, test.expected, actual)
		}
	}
}
