package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromViperDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	cfg, err := fromViper(v)
	require.NoError(t, err)

	assert.Equal(t, 0.6, cfg.Biometrics.VerificationThreshold)
	assert.Equal(t, 0.95, cfg.Biometrics.DuplicateThreshold)
	assert.InDelta(t, 0.8, cfg.Biometrics.RemoteMatchThreshold, 1e-9)
	assert.Equal(t, 5, cfg.Biometrics.MinFaces)
	assert.Equal(t, 30, cfg.Biometrics.MaxFrames)
	assert.Equal(t, 224, cfg.Biometrics.CropSize)
	assert.Equal(t, 10*time.Minute, cfg.Attendance.GracePeriod)
	assert.Equal(t, ProviderLocal, cfg.FaceProvider.Kind)
	assert.Equal(t, IndexHNSW, cfg.Biometrics.IdentifyIndex)
}

func TestFromViperRejectsInvalidPolicy(t *testing.T) {
	cases := map[string]func(v *viper.Viper){
		"threshold out of range": func(v *viper.Viper) { v.Set("VERIFICATION_THRESHOLD", 1.5) },
		"percent out of range":   func(v *viper.Viper) { v.Set("REMOTE_MATCH_THRESHOLD_PERCENT", 150) },
		"unknown provider":       func(v *viper.Viper) { v.Set("FACE_PROVIDER", "gpu") },
		"frames below minimum":   func(v *viper.Viper) { v.Set("ENROLL_MAX_FRAMES", 3) },
		"unknown index":          func(v *viper.Viper) { v.Set("IDENTIFY_INDEX", "faiss") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			v := viper.New()
			setDefaults(v)
			mutate(v)
			_, err := fromViper(v)
			require.Error(t, err)
		})
	}
}

func TestSplitAndTrim(t *testing.T) {
	assert.Nil(t, splitAndTrim(""))
	assert.Equal(t, []string{"a", "b"}, splitAndTrim(" a , ,b "))
}
