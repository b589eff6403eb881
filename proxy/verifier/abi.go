package verifier

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// escrowABIJSON is the surface of the escrow contract the proxy depends on.
// The proxy's address must be listed by the escrow as an authorized proxy
// for completeJob to succeed.
const escrowABIJSON = `[
  {
    "name": "getJobDetails",
    "type": "function",
    "stateMutability": "view",
    "inputs": [{"name": "jobId", "type": "bytes32"}],
    "outputs": [
      {"name": "user", "type": "address"},
      {"name": "amount", "type": "uint256"},
      {"name": "timestamp", "type": "uint256"},
      {"name": "completed", "type": "bool"},
      {"name": "blobTxHash", "type": "bytes32"}
    ]
  },
  {
    "name": "getJobTimeout",
    "type": "function",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [{"name": "", "type": "uint256"}]
  },
  {
    "name": "completeJob",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "jobId", "type": "bytes32"},
      {"name": "blobTxHash", "type": "bytes32"}
    ],
    "outputs": []
  },
  {
    "name": "refundExpiredJob",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [{"name": "jobId", "type": "bytes32"}],
    "outputs": []
  }
]`

var escrowABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(escrowABIJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}()
