package serialize

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpostlabs/edgesync/internal/registry"
)

func truckType() *registry.EntityType {
	return &registry.EntityType{
		Label: "trucks.truck",
		Fields: []registry.FieldDescriptor{
			{Name: "plate_number", Kind: registry.KindScalar, Unique: true},
			{Name: "driver_id", Kind: registry.KindFK},
			{Name: "registered_on", Kind: registry.KindDate},
			{Name: "gross_weight", Kind: registry.KindDecimal},
			{Name: "inspection_photo", Kind: registry.KindFile},
			{Name: "updated_at", Kind: registry.KindDateTime},
		},
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	et := truckType()
	registered := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	updated := time.Date(2024, 6, 1, 10, 30, 0, 0, time.UTC)
	weight := decimal.RequireFromString("12500.75")
	photo := registry.FileValue{Filename: "front.jpg", Data: []byte{0xFF, 0xD8, 0x01, 0x02}}

	snap, err := Snapshot(et, registry.Fields{
		"plate_number":     "AB-123-CD",
		"driver_id":        int64(42),
		"registered_on":    registered,
		"gross_weight":     weight,
		"inspection_photo": photo,
		"updated_at":       updated,
	})
	require.NoError(t, err)

	assert.Equal(t, "AB-123-CD", snap["plate_number"])
	assert.Equal(t, "42", snap["driver_id"])
	assert.Equal(t, "2024-03-15", snap["registered_on"])
	assert.Equal(t, "12500.75", snap["gross_weight"])
	assert.Equal(t, "2024-06-01T10:30:00Z", snap["updated_at"])

	// The snapshot must survive a JSON round trip, the form remote changes
	// arrive in.
	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(raw, &wire))

	for _, fd := range et.Fields {
		decoded, err := DecodeValue(fd, wire[fd.Name])
		require.NoError(t, err, fd.Name)
		switch fd.Name {
		case "plate_number":
			assert.Equal(t, "AB-123-CD", decoded)
		case "driver_id":
			assert.Equal(t, "42", decoded)
		case "registered_on":
			assert.True(t, registered.Equal(decoded.(time.Time)))
		case "gross_weight":
			assert.True(t, weight.Equal(decoded.(decimal.Decimal)))
		case "inspection_photo":
			fv := decoded.(registry.FileValue)
			assert.Equal(t, photo.Filename, fv.Filename)
			assert.Equal(t, photo.Data, fv.Data)
		case "updated_at":
			assert.True(t, updated.Equal(decoded.(time.Time)))
		}
	}
}

func TestSnapshotDropsUndeclaredFields(t *testing.T) {
	et := truckType()
	snap, err := Snapshot(et, registry.Fields{
		"plate_number": "AB-123-CD",
		"internal_tmp": "never synced",
	})
	require.NoError(t, err)
	assert.NotContains(t, snap, "internal_tmp")
}

func TestSnapshotNullsBadFieldsButSurvives(t *testing.T) {
	et := truckType()
	big := registry.FileValue{Filename: "dump.bin", Data: make([]byte, InlineFileLimit+1)}

	snap, err := Snapshot(et, registry.Fields{
		"plate_number":     "AB-123-CD",
		"inspection_photo": big,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFileTooLarge)
	assert.Equal(t, "AB-123-CD", snap["plate_number"])
	assert.Nil(t, snap["inspection_photo"])
}

func TestEncodeValueNil(t *testing.T) {
	for _, fd := range truckType().Fields {
		v, err := EncodeValue(fd, nil)
		require.NoError(t, err)
		assert.Nil(t, v)
	}
}

func TestEncodeDecimalPreservesPrecision(t *testing.T) {
	fd := registry.FieldDescriptor{Name: "amount", Kind: registry.KindDecimal}

	// The wire form is the canonical rendering; the numeric value must
	// survive the round trip exactly.
	in := decimal.RequireFromString("0.10")
	v, err := EncodeValue(fd, in)
	require.NoError(t, err)
	assert.Equal(t, "0.1", v)
	out, err := DecodeValue(fd, v)
	require.NoError(t, err)
	assert.True(t, in.Equal(out.(decimal.Decimal)))

	v, err = EncodeValue(fd, "1234567890123456789.123456789")
	require.NoError(t, err)
	assert.Equal(t, "1234567890123456789.123456789", v)

	_, err = EncodeValue(fd, "not-a-number")
	assert.Error(t, err)
}

func TestEncodeUUID(t *testing.T) {
	fd := registry.FieldDescriptor{Name: "ref", Kind: registry.KindUUID}
	u := uuid.New()

	v, err := EncodeValue(fd, u)
	require.NoError(t, err)
	assert.Equal(t, u.String(), v)

	decoded, err := DecodeValue(fd, v)
	require.NoError(t, err)
	assert.Equal(t, u, decoded)
}

func TestDecodeFileURLPassesThrough(t *testing.T) {
	fd := registry.FieldDescriptor{Name: "photo", Kind: registry.KindFile}
	v, err := DecodeValue(fd, "https://central.example.com/media/photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, "https://central.example.com/media/photo.jpg", v)
}

func TestReferenceString(t *testing.T) {
	assert.Equal(t, "42", ReferenceString(42))
	assert.Equal(t, "42", ReferenceString(int64(42)))
	assert.Equal(t, "42", ReferenceString(float64(42))) // JSON number form
	assert.Equal(t, "abc", ReferenceString("abc"))
}

func TestIsFileURL(t *testing.T) {
	assert.True(t, IsFileURL("http://host/f.jpg"))
	assert.True(t, IsFileURL("https://host/f.jpg"))
	assert.False(t, IsFileURL("ftp://host/f.jpg"))
	assert.False(t, IsFileURL(map[string]any{"filename": "f"}))
}
