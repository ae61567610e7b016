package chain

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// pairABIJSON covers the UniswapV2-style pair views and ERC20 decimals.
const pairABIJSON = `[
  {"constant": true, "inputs": [], "name": "getReserves", "outputs": [
    {"internalType": "uint112", "name": "_reserve0", "type": "uint112"},
    {"internalType": "uint112", "name": "_reserve1", "type": "uint112"},
    {"internalType": "uint32", "name": "_blockTimestampLast", "type": "uint32"}
  ], "stateMutability": "view", "type": "function"},
  {"constant": true, "inputs": [], "name": "token0", "outputs": [
    {"internalType": "address", "name": "", "type": "address"}
  ], "stateMutability": "view", "type": "function"},
  {"constant": true, "inputs": [], "name": "token1", "outputs": [
    {"internalType": "address", "name": "", "type": "address"}
  ], "stateMutability": "view", "type": "function"},
  {"constant": true, "inputs": [], "name": "decimals", "outputs": [
    {"internalType": "uint8", "name": "", "type": "uint8"}
  ], "stateMutability": "view", "type": "function"}
]`

var (
	pairABIOnce sync.Once
	pairABI     abi.ABI
	pairABIErr  error
)

// PairABI returns the parsed pair ABI.
func PairABI() (abi.ABI, error) {
	pairABIOnce.Do(func() {
		pairABI, pairABIErr = abi.JSON(strings.NewReader(pairABIJSON))
	})
	return pairABI, pairABIErr
}
