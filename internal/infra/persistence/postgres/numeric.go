package postgres

import (
	"fmt"
	"math"
	"math/big"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

var maxTokens = decimal.NewFromInt(math.MaxInt64)

// numericFromTokens converts a whole token amount into a pgtype.Numeric value.
func numericFromTokens(amount int64) pgtype.Numeric {
	d := decimal.NewFromInt(amount)
	return pgtype.Numeric{Int: new(big.Int).Set(d.Coefficient()), Exp: d.Exponent(), Valid: true}
}

// tokensFromNumeric converts a NUMERIC column into whole tokens. NULL reads as zero.
func tokensFromNumeric(n pgtype.Numeric) (int64, error) {
	if !n.Valid {
		return 0, nil
	}
	if n.NaN || n.InfinityModifier != pgtype.Finite {
		return 0, fmt.Errorf("numeric value is not finite")
	}
	if n.Int == nil {
		return 0, nil
	}
	d := decimal.NewFromBigInt(n.Int, n.Exp)
	if !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("numeric %s is not a whole token amount", d.String())
	}
	if d.GreaterThan(maxTokens) || d.LessThan(maxTokens.Neg()) {
		return 0, fmt.Errorf("numeric %s overflows token range", d.String())
	}
	return d.IntPart(), nil
}
