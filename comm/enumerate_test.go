package comm

import (
	"testing"

	"go.bug.st/serial/enumerator"
)

func TestLikelyControllerFiltersByDescription(t *testing.T) {
	cases := []struct {
		name string
		d    enumerator.PortDetails
		want bool
	}{
		{"arduino board", enumerator.PortDetails{Product: "Arduino Uno", IsUSB: true}, true},
		{"ch340 clone", enumerator.PortDetails{Product: "USB2.0-Serial CH340", IsUSB: true}, true},
		{"cp2102 bridge", enumerator.PortDetails{Product: "CP2102 USB to UART Bridge Controller", IsUSB: true}, true},
		{"usb modem", enumerator.PortDetails{Product: "LTE Modem", IsUSB: true}, false},
		{"described onboard uart", enumerator.PortDetails{Product: "Serial Port", IsUSB: false}, true},
		{"bare onboard uart", enumerator.PortDetails{Product: "", IsUSB: false}, false},
		{"usb bridge with no product string", enumerator.PortDetails{Product: "", IsUSB: true}, true},
	}
	for _, c := range cases {
		if got := likelyController(&c.d); got != c.want {
			t.Errorf("%s: likelyController = %v, want %v", c.name, got, c.want)
		}
	}
}
