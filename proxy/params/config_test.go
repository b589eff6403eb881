package params

import (
	"strings"
	"testing"

	"github.com/blobkit/blobproxy/testing/assert"
	"github.com/blobkit/blobproxy/testing/require"
	"github.com/ethereum/go-ethereum/common"
)

func validConfig() *Config {
	c := DefaultConfig()
	c.RPCURL = "http://localhost:8545"
	c.EscrowContract = common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	c.RequestSigningSecret = strings.Repeat("s", 32)
	c.PrivateKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	return c
}

func TestValidate_OK(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidate_RequiredOptions(t *testing.T) {
	c := validConfig()
	c.RPCURL = ""
	assert.ErrorContains(t, "RPC_URL", c.Validate())

	c = validConfig()
	c.EscrowContract = common.Address{}
	assert.ErrorContains(t, "ESCROW_CONTRACT", c.Validate())

	c = validConfig()
	c.RequestSigningSecret = "short"
	assert.ErrorContains(t, "at least 32 characters", c.Validate())
}

func TestValidate_Ranges(t *testing.T) {
	c := validConfig()
	c.ProxyFeePercent = 11
	assert.ErrorContains(t, "PROXY_FEE_PERCENT", c.Validate())

	c = validConfig()
	c.MaxBlobSize = 0
	assert.ErrorContains(t, "MAX_BLOB_SIZE", c.Validate())

	c = validConfig()
	c.MaxBlobSize = MaxBlobSize + 1
	assert.ErrorContains(t, "MAX_BLOB_SIZE", c.Validate())
}

func TestValidate_SignerBackends(t *testing.T) {
	c := validConfig()
	c.PrivateKeyHex = ""
	assert.ErrorContains(t, "PRIVATE_KEY", c.Validate())

	c = validConfig()
	c.SignerBackend = KMSSigner
	assert.ErrorContains(t, "KMS_KEY_ID", c.Validate())
	c.KMSKeyID = "alias/blob-proxy"
	assert.NoError(t, c.Validate())

	c = validConfig()
	c.SignerBackend = "vault"
	assert.ErrorContains(t, "unknown signer backend", c.Validate())
}
