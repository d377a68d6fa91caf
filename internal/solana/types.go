package solana

import "encoding/json"

// Wire types for the subset of the Solana JSON-RPC API the collector
// uses, with the "json" transaction encoding.

// SignatureInfo is one entry returned by getSignaturesForAddress.
type SignatureInfo struct {
	Signature string          `json:"signature"`
	Slot      uint64          `json:"slot"`
	BlockTime *int64          `json:"blockTime"`
	Err       json.RawMessage `json:"err"`
	Memo      *string         `json:"memo"`
}

// Failed reports whether the transaction behind this signature errored
// on chain. The RPC encodes success as a literal null.
func (s SignatureInfo) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

// Transaction is the result of getTransaction.
type Transaction struct {
	Slot        uint64    `json:"slot"`
	BlockTime   *int64    `json:"blockTime"`
	Meta        *Meta     `json:"meta"`
	Transaction TxPayload `json:"transaction"`
}

type TxPayload struct {
	Signatures []string `json:"signatures"`
	Message    Message  `json:"message"`
}

type Message struct {
	AccountKeys  []string      `json:"accountKeys"`
	Header       MessageHeader `json:"header"`
	Instructions []Instruction `json:"instructions"`
}

type MessageHeader struct {
	NumRequiredSignatures       int `json:"numRequiredSignatures"`
	NumReadonlySignedAccounts   int `json:"numReadonlySignedAccounts"`
	NumReadonlyUnsignedAccounts int `json:"numReadonlyUnsignedAccounts"`
}

type Instruction struct {
	ProgramIDIndex int    `json:"programIdIndex"`
	Accounts       []int  `json:"accounts"`
	Data           string `json:"data"`
}

type InnerInstructions struct {
	Index        int           `json:"index"`
	Instructions []Instruction `json:"instructions"`
}

type Meta struct {
	Err               json.RawMessage     `json:"err"`
	Fee               uint64              `json:"fee"`
	LogMessages       []string            `json:"logMessages"`
	PreTokenBalances  []TokenBalance      `json:"preTokenBalances"`
	PostTokenBalances []TokenBalance      `json:"postTokenBalances"`
	InnerInstructions []InnerInstructions `json:"innerInstructions"`
	LoadedAddresses   *LoadedAddresses    `json:"loadedAddresses"`
}

type LoadedAddresses struct {
	Writable []string `json:"writable"`
	Readonly []string `json:"readonly"`
}

type TokenBalance struct {
	AccountIndex  int           `json:"accountIndex"`
	Mint          string        `json:"mint"`
	Owner         string        `json:"owner"`
	UITokenAmount UITokenAmount `json:"uiTokenAmount"`
}

type UITokenAmount struct {
	Amount         string   `json:"amount"`
	Decimals       uint8    `json:"decimals"`
	UIAmount       *float64 `json:"uiAmount"`
	UIAmountString string   `json:"uiAmountString"`
}

// FirstSigner returns the fee payer (first signer) of the transaction,
// or "" when the account list is empty.
func (t *Transaction) FirstSigner() string {
	if t == nil || len(t.Transaction.Message.AccountKeys) == 0 {
		return ""
	}
	return t.Transaction.Message.AccountKeys[0]
}

// AllAccountKeys returns the static account keys plus any address-table
// loaded accounts, in on-chain index order (static, writable, readonly).
func (t *Transaction) AllAccountKeys() []string {
	keys := t.Transaction.Message.AccountKeys
	if t.Meta == nil || t.Meta.LoadedAddresses == nil {
		return keys
	}
	out := make([]string, 0, len(keys)+len(t.Meta.LoadedAddresses.Writable)+len(t.Meta.LoadedAddresses.Readonly))
	out = append(out, keys...)
	out = append(out, t.Meta.LoadedAddresses.Writable...)
	out = append(out, t.Meta.LoadedAddresses.Readonly...)
	return out
}
