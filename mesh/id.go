package mesh

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// comparable
// ids are ulids, so the text form of ids made by the same process sorts by creation time
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func (self Id) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", self[0:4], self[4:6], self[6:8], self[8:10], self[10:16])
}

// the time ordered prefix, enough to tell connections apart in a status line
func (self Id) Short() string {
	return fmt.Sprintf("%x", self[0:4])
}
