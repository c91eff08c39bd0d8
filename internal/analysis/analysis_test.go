package analysis

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeDevice(t *testing.T, classes ...string) string {
	t.Helper()
	dev := filepath.Join(t.TempDir(), "1-1")
	for i, c := range classes {
		iface := filepath.Join(dev, "1-1:1."+string(rune('0'+i)))
		require.NoError(t, os.MkdirAll(iface, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(iface, "bInterfaceClass"), []byte(c+"\n"), 0o644))
	}
	require.NoError(t, os.MkdirAll(dev, 0o755))
	return dev
}

func TestClassifyDevice(t *testing.T) {
	assert.Equal(t, ClassStorage, ClassifyDevice(makeDevice(t, "08")))
	assert.Equal(t, ClassBadUSBSuspect, ClassifyDevice(makeDevice(t, "08", "03")))
	assert.Equal(t, ClassOther, ClassifyDevice(makeDevice(t, "03")))
	assert.Equal(t, ClassUnknown, ClassifyDevice(filepath.Join(t.TempDir(), "gone")))
	assert.Equal(t, ClassUnknown, ClassifyDevice(""))
	assert.True(t, ClassBadUSBSuspect.Suspicious())
	assert.False(t, ClassStorage.Suspicious())
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

var (
	elfHeader = append([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0}, make([]byte, 64)...)
	zipHeader = []byte{'P', 'K', 0x03, 0x04, 0x14, 0, 0, 0, 0x08, 0}
	pngHeader = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}
)

func TestInspect(t *testing.T) {
	ti := NewTypeInspector()

	cases := []struct {
		name       string
		file       string
		data       []byte
		masquerade bool
		risk       Risk
	}{
		{"no extension", "README", []byte("hello"), false, RiskSafe},
		{"empty", "empty.pdf", nil, false, RiskSafe},
		{"text", "notes.txt", []byte("plain text content"), false, RiskSafe},
		{"matching", "image.png", pngHeader, false, RiskSafe},
		{"allowed alias", "report.docx", zipHeader, false, RiskSafe},
		{"renamed image", "photo.jpg", pngHeader, true, RiskMedium},
		{"executable disguised", "invoice.pdf", elfHeader, true, RiskHigh},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := ti.Inspect(writeFile(t, tc.file, tc.data))
			require.NoError(t, err)
			assert.Equal(t, tc.masquerade, res.Masquerade)
			assert.Equal(t, tc.risk, res.Risk)
		})
	}
}

func TestInspectMissingFile(t *testing.T) {
	_, err := NewTypeInspector().Inspect(filepath.Join(t.TempDir(), "nope.bin"))
	assert.Error(t, err)
}
