package domain

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AccountLength es el tamaño en bytes de una dirección de prestatario.
const AccountLength = common.AddressLength

// Account es la dirección de un prestatario en el lending market. Inmutable.
type Account [AccountLength]byte

// ParseAccount parsea una dirección hex de 40 caracteres, con o sin 0x.
func ParseAccount(s string) (Account, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return Account{}, fmt.Errorf("domain.ParseAccount: invalid address %q", s)
	}
	return Account(common.HexToAddress(s)), nil
}

// MustParseAccount es ParseAccount para constantes y tests.
func MustParseAccount(s string) Account {
	a, err := ParseAccount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Hex devuelve la forma con checksum EIP-55.
func (a Account) Hex() string {
	return common.Address(a).Hex()
}

func (a Account) String() string {
	return a.Hex()
}

// Short devuelve una forma truncada para los logs.
func (a Account) Short() string {
	h := a.Hex()
	return h[:8] + "..." + h[len(h)-4:]
}

// Less ordena cuentas byte a byte. Sirve para desempatar de forma determinista.
func (a Account) Less(b Account) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// IsZero indica si la cuenta es la dirección cero.
func (a Account) IsZero() bool {
	return a == Account{}
}
