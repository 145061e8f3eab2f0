package mirror

import (
	"bytes"
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

// SolMint is the native-SOL sentinel mint used for legacy deposit accounts
// that predate multi-asset support.
const SolMint = "So11111111111111111111111111111111111111112"

// depositDiscriminator is the 8-byte account discriminator of the on-chain
// deposit account.
var depositDiscriminator = []byte{0xD8, 0x92, 0x6F, 0x2A, 0x5C, 0x08, 0x4A, 0x3E}

// Deposit account layouts, by minimum data length. Newer layouts extend the
// older ones, so length selects the richest layout the data can carry.
const (
	legacySize = 48 // discriminator + owner + balance
	v2Size     = 80 // + token mint
	v3Size     = 88 // + 8-byte deposit code
)

// DepositAccount is a decoded on-chain deposit account.
type DepositAccount struct {
	Owner       string // base58 owner pubkey
	Mint        string // base58 token mint (SolMint for legacy accounts)
	Balance     int64
	DepositCode string // empty before V3
}

// ParseDepositAccount decodes raw account data into a DepositAccount.
// Returns nil for data that is too short, carries the wrong discriminator, or
// declares a balance beyond int64 range.
func ParseDepositAccount(data []byte) *DepositAccount {
	if len(data) < legacySize {
		return nil
	}
	if !bytes.Equal(data[:8], depositDiscriminator) {
		return nil
	}

	owner := solana.PublicKeyFromBytes(data[8:40]).String()

	switch {
	case len(data) >= v3Size:
		balance := binary.LittleEndian.Uint64(data[80:88])
		if balance > uint64(1<<63-1) {
			return nil
		}
		return &DepositAccount{
			Owner:       owner,
			Mint:        solana.PublicKeyFromBytes(data[40:72]).String(),
			Balance:     int64(balance),
			DepositCode: string(bytes.TrimRight(data[72:80], "\x00")),
		}
	case len(data) >= v2Size:
		balance := binary.LittleEndian.Uint64(data[72:80])
		if balance > uint64(1<<63-1) {
			return nil
		}
		return &DepositAccount{
			Owner:   owner,
			Mint:    solana.PublicKeyFromBytes(data[40:72]).String(),
			Balance: int64(balance),
		}
	default:
		balance := binary.LittleEndian.Uint64(data[40:48])
		if balance > uint64(1<<63-1) {
			return nil
		}
		return &DepositAccount{
			Owner:   owner,
			Mint:    SolMint,
			Balance: int64(balance),
		}
	}
}
