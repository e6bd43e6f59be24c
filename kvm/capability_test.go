package kvm_test

import (
	"testing"

	"github.com/bobuhiro11/govmd/kvm"
)

func TestCapabilityStringer(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name  string
		value kvm.Capability
		want  string
	}{
		{
			name:  "IRQChip",
			value: kvm.CapIRQChip,
			want:  "CapIRQChip",
		},
		{
			name:  "PIT2",
			value: kvm.CapPIT2,
			want:  "CapPIT2",
		},
		{
			name:  "FailTest",
			value: kvm.Capability(255),
			want:  "Capability(255)",
		},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			if test.value.String() != test.want {
				t.Errorf("have: %s, want: %s", test.value.String(), test.want)
			}
		})
	}
}

func TestCheckExtension(t *testing.T) {
	t.Parallel()

	devKVM := openKVM(t)

	res, err := kvm.CheckExtension(devKVM.Fd(), kvm.CapIRQChip)
	if err != nil {
		t.Fatal(err)
	}

	if res == 0 {
		t.Fatal("expected in-kernel irqchip support")
	}
}
