package service

import (
	"testing"
	"time"

	"github.com/devicefarmpro/devicefarmpro/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRequestMerged(t *testing.T) {
	req := SessionRequest{
		DesiredCapabilities: map[string]interface{}{"platformName": "Android", "appium:deviceName": "old"},
		Capabilities: Capabilities{
			AlwaysMatch: map[string]interface{}{"platformName": "iOS"},
			FirstMatch:  []map[string]interface{}{{"appium:deviceName": "iPhone 15"}, {"appium:deviceName": "ignored"}},
		},
	}
	caps := req.Merged()
	assert.Equal(t, "iOS", caps["platformName"])
	assert.Equal(t, "iPhone 15", caps["appium:deviceName"])
}

func TestBuildFilter(t *testing.T) {
	simulatedIOS := FarmPolicy{Platform: "both", Android: model.PolicyBoth, IOS: model.PolicySimulated}
	realIOS := FarmPolicy{Platform: "both", Android: model.PolicyReal, IOS: model.PolicyReal}

	tests := []struct {
		name     string
		caps     map[string]interface{}
		policy   FarmPolicy
		want     model.CapabilityFilter
		mismatch string
	}{
		{
			name:   "android any type",
			caps:   map[string]interface{}{"platformName": "Android", "appium:platformVersion": "13"},
			policy: bothPolicy,
			want:   model.CapabilityFilter{Platform: model.PlatformAndroid, PlatformVersion: "13"},
		},
		{
			name:   "android real policy",
			caps:   map[string]interface{}{"platformName": "android", "appium:udids": "a, b"},
			policy: realIOS,
			want:   model.CapabilityFilter{Platform: model.PlatformAndroid, DeviceType: model.DeviceTypeReal, UDIDs: []string{"a", "b"}},
		},
		{
			name:   "ios simulator bundle",
			caps:   map[string]interface{}{"platformName": "iOS", "appium:app": "https://cdn/app.zip?sig=1", "appium:iPadOnly": "true"},
			policy: bothPolicy,
			want:   model.CapabilityFilter{Platform: model.PlatformIOS, DeviceType: model.DeviceTypeSimulator, FormFactor: model.FormFactorIPad},
		},
		{
			name:   "tvos simulator",
			caps:   map[string]interface{}{"platformName": "tvOS"},
			policy: simulatedIOS,
			want:   model.CapabilityFilter{Platform: model.PlatformIOS, DeviceType: model.DeviceTypeTVSimulator, FormFactor: model.FormFactorTV},
		},
		{
			name:   "plain ios on mixed farm",
			caps:   map[string]interface{}{"platformName": "iOS"},
			policy: bothPolicy,
			want:   model.CapabilityFilter{Platform: model.PlatformIOS},
		},
		{
			name:   "iphone only keeps device name",
			caps:   map[string]interface{}{"platformName": "iOS", "appium:iPhoneOnly": true, "appium:deviceName": "15 Pro"},
			policy: bothPolicy,
			want:   model.CapabilityFilter{Platform: model.PlatformIOS, FormFactor: model.FormFactorIPhone, Name: "15 Pro"},
		},
		{
			name:     "ipa on simulated farm",
			caps:     map[string]interface{}{"platformName": "iOS", "appium:app": "/builds/Demo.ipa"},
			policy:   simulatedIOS,
			mismatch: `iosDeviceType value is set to "simulated" but app provided is not suitable for simulator device.`,
		},
		{
			name:     "app bundle on real farm",
			caps:     map[string]interface{}{"platformName": "iOS", "appium:app": "/builds/Demo.app"},
			policy:   realIOS,
			mismatch: `iosDeviceType value is set to "real" but app provided is not suitable for real device.`,
		},
		{
			name:     "platform not served",
			caps:     map[string]interface{}{"platformName": "Android"},
			policy:   FarmPolicy{Platform: "ios", IOS: model.PolicyBoth},
			mismatch: "platform android is not served by this device farm (configured platform: ios)",
		},
		{
			name:     "missing platform",
			caps:     map[string]interface{}{},
			policy:   bothPolicy,
			mismatch: "platformName capability is required",
		},
		{
			name:     "conflicting form factors",
			caps:     map[string]interface{}{"platformName": "iOS", "iPhoneOnly": true, "iPadOnly": true},
			policy:   bothPolicy,
			mismatch: "iPhoneOnly and iPadOnly cannot both be set",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildFilter(tt.caps, tt.policy)
			if tt.mismatch != "" {
				require.Error(t, err)
				assert.True(t, model.IsCapabilityMismatch(err))
				assert.Equal(t, tt.mismatch, err.Error())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateFilter(t *testing.T) {
	policy := FarmPolicy{Platform: "android", Android: model.PolicySimulated}
	assert.NoError(t, ValidateFilter(model.CapabilityFilter{Platform: model.PlatformAndroid}, policy))
	assert.NoError(t, ValidateFilter(model.CapabilityFilter{Platform: model.PlatformAndroid, DeviceType: model.DeviceTypeEmulator}, policy))

	err := ValidateFilter(model.CapabilityFilter{Platform: model.PlatformAndroid, DeviceType: model.DeviceTypeReal}, policy)
	require.Error(t, err)
	var mismatch *model.CapabilityMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.NotNil(t, mismatch.Filter)
	assert.Equal(t, model.DeviceTypeReal, mismatch.Filter.DeviceType)

	assert.Error(t, ValidateFilter(model.CapabilityFilter{Platform: model.PlatformAndroid, DeviceType: model.DeviceTypeSimulator}, bothPolicy))
}

func TestAvailabilityOptions(t *testing.T) {
	timeout, retry := AvailabilityOptions(map[string]interface{}{}, time.Minute, 5*time.Second)
	assert.Equal(t, time.Minute, timeout)
	assert.Equal(t, 5*time.Second, retry)

	timeout, retry = AvailabilityOptions(map[string]interface{}{
		"appium:deviceAvailabilityTimeout": float64(1000),
		"deviceRetryInterval":              "100",
	}, time.Minute, 5*time.Second)
	assert.Equal(t, time.Second, timeout)
	assert.Equal(t, 100*time.Millisecond, retry)
}

func TestFilterKeepsIOSOffAppleTV(t *testing.T) {
	tv := iosDevice("tv-sim", "Apple TV 4K (3rd generation)", model.DeviceTypeTVSimulator)
	tvReal := iosDevice("tv-real", "Apple TV", model.DeviceTypeReal)
	phone := iosDevice("sim-iphone", "iPhone 15", model.DeviceTypeSimulator)

	plain, err := BuildFilter(map[string]interface{}{"platformName": "iOS"}, bothPolicy)
	require.NoError(t, err)
	assert.False(t, plain.Matches(&tv))
	assert.False(t, plain.Matches(&tvReal))
	assert.True(t, plain.Matches(&phone))

	tvOS, err := BuildFilter(map[string]interface{}{"platformName": "tvOS"}, bothPolicy)
	require.NoError(t, err)
	assert.True(t, tvOS.Matches(&tv))
	assert.True(t, tvOS.Matches(&tvReal))
	assert.False(t, tvOS.Matches(&phone))
}

func TestFilterFormFactorMatchesNamePrefix(t *testing.T) {
	phone := iosDevice("sim-iphone", "iPhone 15 Pro", model.DeviceTypeSimulator)
	named := iosDevice("real-1", "QA iPhone", model.DeviceTypeReal)
	pad := iosDevice("sim-ipad", "iPad mini (6th generation)", model.DeviceTypeSimulator)

	iPhoneOnly, err := BuildFilter(map[string]interface{}{"platformName": "iOS", "iPhoneOnly": true}, bothPolicy)
	require.NoError(t, err)
	assert.True(t, iPhoneOnly.Matches(&phone))
	assert.False(t, iPhoneOnly.Matches(&named), "name must start with iPhone")
	assert.False(t, iPhoneOnly.Matches(&pad))

	iPhoneOnly.Name = "15 Pro"
	assert.True(t, iPhoneOnly.Matches(&phone))
	iPhoneOnly.Name = "14"
	assert.False(t, iPhoneOnly.Matches(&phone), "deviceName still applies")

	iPadOnly, err := BuildFilter(map[string]interface{}{"platformName": "iOS", "appium:iPadOnly": true}, bothPolicy)
	require.NoError(t, err)
	assert.True(t, iPadOnly.Matches(&pad))
	assert.False(t, iPadOnly.Matches(&phone))
}
