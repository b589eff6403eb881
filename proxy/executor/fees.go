package executor

import (
	"math/big"

	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethparams "github.com/ethereum/go-ethereum/params"
)

// fakeExponential approximates factor * e^(numerator / denominator) with
// Taylor expansion, as specified by EIP-4844. It is the pricing function of
// the blob gas market.
func fakeExponential(factor, numerator, denominator *big.Int) *big.Int {
	output := new(big.Int)
	accum := new(big.Int).Mul(factor, denominator)
	for i := int64(1); accum.Sign() > 0; i++ {
		output.Add(output, accum)
		accum.Mul(accum, numerator)
		accum.Div(accum, denominator)
		accum.Div(accum, big.NewInt(i))
	}
	return output.Div(output, denominator)
}

// blobGasPrice derives the current blob gas price from a head's excess blob
// gas.
func blobGasPrice(head *gethtypes.Header) *big.Int {
	excess := new(big.Int)
	if head.ExcessBlobGas != nil {
		excess.SetUint64(*head.ExcessBlobGas)
	}
	return fakeExponential(
		big.NewInt(gethparams.BlobTxMinBlobGasprice),
		excess,
		big.NewInt(gethparams.BlobTxBlobGaspriceUpdateFraction),
	)
}

// feeQuote is one sampled fee environment for a blob submission.
type feeQuote struct {
	tipCap     *big.Int
	gasFeeCap  *big.Int
	blobFeeCap *big.Int
}

// quoteFees derives execution and blob fee caps from the latest head. The
// blob fee cap carries a 1.5x headroom over the current blob gas price;
// the execution cap follows the usual baseFee*2 + tip form. Both execution
// caps are bounded by the configured ceiling.
func quoteFees(head *gethtypes.Header, tip *big.Int, maxFeePerGasWei *big.Int) *feeQuote {
	gasFeeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	if maxFeePerGasWei.Sign() > 0 && gasFeeCap.Cmp(maxFeePerGasWei) > 0 {
		gasFeeCap = new(big.Int).Set(maxFeePerGasWei)
	}
	tipCap := tip
	if tipCap.Cmp(gasFeeCap) > 0 {
		tipCap = new(big.Int).Set(gasFeeCap)
	}
	blobPrice := blobGasPrice(head)
	blobFeeCap := new(big.Int).Div(new(big.Int).Mul(blobPrice, big.NewInt(3)), big.NewInt(2))
	if blobFeeCap.Sign() == 0 {
		blobFeeCap = big.NewInt(1)
	}
	return &feeQuote{tipCap: tipCap, gasFeeCap: gasFeeCap, blobFeeCap: blobFeeCap}
}

// EstimateBlobCost returns a conservative wei estimate for landing one blob
// given the current head, used by the deposit-sufficiency check.
func EstimateBlobCost(head *gethtypes.Header, tip *big.Int, maxFeePerGasWei *big.Int) *big.Int {
	q := quoteFees(head, tip, maxFeePerGasWei)
	execCost := new(big.Int).Mul(q.gasFeeCap, big.NewInt(blobTxGasLimit))
	blobCost := new(big.Int).Mul(q.blobFeeCap, big.NewInt(gethparams.BlobTxBlobGasPerBlob))
	return execCost.Add(execCost, blobCost)
}
