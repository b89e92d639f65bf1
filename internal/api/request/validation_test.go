package request

import (
	"bytes"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequireID_Valid(t *testing.T) {
	result, err := RequireID("ins-0a1b2c3d")
	require.NoError(t, err)
	assert.Equal(t, "ins-0a1b2c3d", result)
}

func TestRequireID_Empty(t *testing.T) {
	_, err := RequireID("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required ID")
}

func TestDecode_ValidJSON(t *testing.T) {
	body := `{"ids":["ins-1","ins-2"],"password":"Passw0rd!"}`
	r, err := http.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
	require.NoError(t, err)

	var payload ResetPassword
	err = Decode(r, &payload)
	require.NoError(t, err)
	assert.Equal(t, []string{"ins-1", "ins-2"}, payload.IDs)
}

func TestDecode_InvalidJSON(t *testing.T) {
	r, err := http.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{not valid json}`))
	require.NoError(t, err)

	var payload InstanceIDs
	err = Decode(r, &payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid JSON")
}

func TestDecode_ValidationFails(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing ids", `{}`},
		{"empty ids", `{"ids":[]}`},
		{"blank id", `{"ids":[""]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := http.NewRequest(http.MethodPost, "/", bytes.NewBufferString(tt.body))
			require.NoError(t, err)

			var payload InstanceIDs
			err = Decode(r, &payload)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "validation error")
		})
	}
}

func TestDecodeOptional_EmptyBody(t *testing.T) {
	r, err := http.NewRequest(http.MethodPost, "/", http.NoBody)
	require.NoError(t, err)

	var payload CreateInstances
	require.NoError(t, DecodeOptional(r, &payload))
	assert.Zero(t, payload.Count)
}

func TestPasswordValidation(t *testing.T) {
	tests := []struct {
		password string
		valid    bool
	}{
		{"Passw0rd!", true},
		{"abcdEFGH12", true},
		{"short1A", false},
		{"alllowercase", false},
		{"ALLUPPER123", false},
		{"has space 1A", false},
	}
	for _, tt := range tests {
		t.Run(tt.password, func(t *testing.T) {
			req := ResetPassword{IDs: []string{"ins-1"}, Password: tt.password}
			err := validate.Struct(req)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestCreateInstances_Validation(t *testing.T) {
	valid := CreateInstances{Region: "ap-guangzhou", CPU: 2, Memory: 4, DiskType: "CLOUD_SSD", Count: 3}
	require.NoError(t, validate.Struct(valid))
	assert.Equal(t, 3, valid.ToTracker().Count)

	badDisk := valid
	badDisk.DiskType = "LOCAL_NVME"
	assert.Error(t, validate.Struct(badDisk))

	badRegion := valid
	badRegion.Region = "Guangzhou"
	assert.Error(t, validate.Struct(badRegion))

	tooMany := valid
	tooMany.Count = 101
	assert.Error(t, validate.Struct(tooMany))
}

func TestUpdateSettings_Patch(t *testing.T) {
	cpu, region := 8, "ap-shanghai"
	u := UpdateSettings{CPU: &cpu, DefaultRegion: &region}
	require.NoError(t, validate.Struct(u))

	patch := u.Patch()
	require.NotNil(t, patch.CPU)
	assert.Equal(t, 8, *patch.CPU)
	assert.Nil(t, patch.SecretKey)

	zero := 0
	assert.Error(t, validate.Struct(UpdateSettings{CPU: &zero}))
}

func TestSplitIDs(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, SplitIDs("a, b,,"))
	assert.Nil(t, SplitIDs(""))
}

func TestImageType(t *testing.T) {
	got, err := ImageType("")
	require.NoError(t, err)
	assert.Equal(t, "PUBLIC_IMAGE", got)

	got, err = ImageType("PRIVATE_IMAGE")
	require.NoError(t, err)
	assert.Equal(t, "PRIVATE_IMAGE", got)

	_, err = ImageType("OTHER")
	assert.Error(t, err)
}
