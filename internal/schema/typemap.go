/*-------------------------------------------------------------------------
 *
 * pgEdge Dynamic Query API
 *
 * Copyright (c) 2025, pgEdge, Inc.
 * This software is released under The PostgreSQL License
 *
 *-------------------------------------------------------------------------
 */

package schema

import (
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
)

// OIDs without a pgtype constant
const (
	timetzOID = 1266
	moneyOID  = 790
)

// oidKinds maps PostgreSQL type OIDs to value kinds. Anything missing from
// this table is treated as text.
var oidKinds = map[uint32]ValueKind{
	pgtype.Int2OID: KindIntegerSmall,
	pgtype.Int4OID: KindIntegerSmall,
	pgtype.Int8OID: KindIntegerBig,
	pgtype.OIDOID:  KindIntegerBig,

	pgtype.TextOID:    KindText,
	pgtype.VarcharOID: KindText,
	pgtype.BPCharOID:  KindText,
	pgtype.QCharOID:   KindText,
	pgtype.NameOID:    KindText,
	pgtype.UUIDOID:    KindText,

	pgtype.BoolOID: KindBoolean,

	pgtype.TimestampOID:   KindTimestamp,
	pgtype.TimestamptzOID: KindTimestamp,
	pgtype.DateOID:        KindDate,
	pgtype.TimeOID:        KindTime,
	timetzOID:             KindTime,

	pgtype.NumericOID: KindDecimal,
	moneyOID:          KindDecimal,
	pgtype.Float8OID:  KindDoubleFloat,
	pgtype.Float4OID:  KindSingleFloat,

	pgtype.ByteaOID: KindBinary,
}

// MapType returns the value kind for a column type. It never fails: JSON
// types (json, jsonb and domains over them) are text by design, and any
// other unknown type falls back to text.
func MapType(oid uint32, typeName string) ValueKind {
	if strings.Contains(strings.ToUpper(typeName), "JSON") {
		return KindText
	}
	if kind, ok := oidKinds[oid]; ok {
		return kind
	}
	return KindText
}
