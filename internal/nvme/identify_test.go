package nvme

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseControllerCapabilities(t *testing.T) {
	buf := make([]byte, IdentifyDataSize)
	copy(buf[4:], "S64DNX0R000001      ")
	copy(buf[24:], "Samsung SSD 980 PRO 1TB")
	binary.LittleEndian.PutUint16(buf[256:], oacsSecurity|oacsFormat)
	binary.LittleEndian.PutUint32(buf[328:], sanicapCrypto|sanicapBlock)
	buf[524] = fnaCryptoErase

	c, err := ParseController(buf)
	require.NoError(t, err)
	assert.Equal(t, "S64DNX0R000001", c.Serial)
	assert.Equal(t, "Samsung SSD 980 PRO 1TB", c.Model, "NUL padding trimmed")
	assert.Empty(t, c.Firmware)
	assert.True(t, c.SupportsSecurity())
	assert.True(t, c.FormatCryptoErase())
	assert.True(t, c.SupportsSanitize())
	assert.True(t, c.SupportsSanitizeAction(SanitizeCryptoErase))
	assert.True(t, c.SupportsSanitizeAction(SanitizeBlockErase))
	assert.False(t, c.SupportsSanitizeAction(SanitizeOverwrite))
}

func TestFormatCryptoEraseNeedsFormatSupport(t *testing.T) {
	c := &Controller{FNA: fnaCryptoErase}
	assert.False(t, c.FormatCryptoErase())
}

func TestParseNamespace(t *testing.T) {
	ns, err := ParseNamespace(EncodeNamespace(&Namespace{Size: 2000, FormatIndex: 1, LBASize: 4096}))
	require.NoError(t, err)
	assert.Equal(t, uint64(2000), ns.Size)
	assert.Equal(t, uint8(1), ns.FormatIndex)
	assert.Equal(t, 4096, ns.LBASize)
}

func TestSanitizeLog(t *testing.T) {
	buf := make([]byte, SanitizeLogSize)
	binary.LittleEndian.PutUint16(buf[0:], 0x8000)
	binary.LittleEndian.PutUint16(buf[2:], uint16(SanitizeInProgress))
	binary.LittleEndian.PutUint32(buf[4:], uint32(SanitizeCryptoErase))
	binary.LittleEndian.PutUint32(buf[8:], 0xFFFFFFFF)
	binary.LittleEndian.PutUint32(buf[12:], 0xFFFFFFFF)
	binary.LittleEndian.PutUint32(buf[16:], 30)

	st, err := ParseSanitizeLog(buf)
	require.NoError(t, err)
	assert.Equal(t, SanitizeInProgress, st.State)
	assert.Equal(t, SanitizeCryptoErase, st.LastAction)
	assert.Equal(t, 50, st.Percent())
	assert.Equal(t, 30*time.Second, st.Estimate(SanitizeCryptoErase))
	assert.Zero(t, st.Estimate(SanitizeOverwrite))

	st.State = SanitizeSucceededNoDealloc
	assert.Equal(t, 100, st.Percent())
}

func TestActionNames(t *testing.T) {
	for _, a := range []SanitizeAction{SanitizeBlockErase, SanitizeOverwrite, SanitizeCryptoErase} {
		got, err := ParseSanitizeAction(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, got)
	}
	_, err := ParseSanitizeAction("shred")
	assert.Error(t, err)
}
