package srp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitSubType(t *testing.T) {
	label, base, ok := splitSubType("_printer._sub._ipps._tcp.default.service.arpa.")
	assert.True(t, ok)
	assert.Equal(t, "_printer", label)
	assert.Equal(t, "_ipps._tcp.default.service.arpa.", base)

	label, base, ok = splitSubType("_ipps._tcp.default.service.arpa.")
	assert.False(t, ok)
	assert.Empty(t, label)
	assert.Equal(t, "_ipps._tcp.default.service.arpa.", base)
}

func TestNameEqual(t *testing.T) {
	assert.True(t, nameEqual("Printer.Default.Service.Arpa.", "printer.default.service.arpa."))
	assert.False(t, nameEqual("printer.default.service.arpa.", "scanner.default.service.arpa."))
}

func TestNameEndsIn(t *testing.T) {
	assert.True(t, nameEndsIn("my-printer._ipps._tcp.default.service.arpa.", "_ipps._tcp.default.service.arpa."))
	assert.True(t, nameEndsIn("default.service.arpa.", "default.service.arpa."))
	assert.True(t, nameEndsIn("a.DEFAULT.service.ARPA.", "default.service.arpa."))
	assert.False(t, nameEndsIn("a.other.service.arpa.", "default.service.arpa."))
	// Label boundaries matter: "xdefault..." is not under "default...".
	assert.False(t, nameEndsIn("xdefault.service.arpa.", "default.service.arpa."))
}

func TestTrimDot(t *testing.T) {
	assert.Equal(t, "local", trimDot(".local."))
	assert.Equal(t, "printer", trimDot("printer."))
	assert.Equal(t, "printer", trimDot("printer"))
}

func TestTxtLength(t *testing.T) {
	assert.Equal(t, 0, txtLength(nil))
	assert.Equal(t, 1, txtLength([]string{""}))
	assert.Equal(t, 13, txtLength([]string{"rp=ipp/print"}))
	assert.Equal(t, 8, txtLength([]string{"a=1", "b=2"}))
}
