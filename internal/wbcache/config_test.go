// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wbcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ConfigTest struct {
	suite.Suite
}

func TestConfigTestSuite(t *testing.T) {
	suite.Run(t, new(ConfigTest))
}

func (t *ConfigTest) TestDefaultConfigIsValid() {
	require.NoError(t.T(), DefaultConfig().Validate())
}

func (t *ConfigTest) TestValidateRejectsWindowBelowMin() {
	cfg := DefaultConfig()
	cfg.WindowSize = MinWindowSize - 1
	assert.EqualError(t.T(), cfg.Validate(), WindowSizeBelowMinError)
}

func (t *ConfigTest) TestValidateRejectsWindowAboveMax() {
	cfg := DefaultConfig()
	cfg.WindowSize = MaxWindowSize + 1
	assert.EqualError(t.T(), cfg.Validate(), WindowSizeAboveMaxError)
}

func (t *ConfigTest) TestValidateRejectsWindowBelowAggregate() {
	cfg := DefaultConfig()
	cfg.WindowSize = MinWindowSize
	cfg.AggregateSize = MinWindowSize + 1
	assert.EqualError(t.T(), cfg.Validate(), WindowBelowAggregateError)
}

func (t *ConfigTest) TestValidateRejectsDisablePrefixAboveMax() {
	cfg := DefaultConfig()
	cfg.DisableForFirstNBytes = MaxDisableForFirstNBytes + 1
	assert.EqualError(t.T(), cfg.Validate(), DisableForFirstNBytesTooHigh)
}

func (t *ConfigTest) TestConfigFromOptionsParsesByteSizeStrings() {
	cfg, err := ConfigFromOptions(map[string]interface{}{
		"cache-size":      "2MiB",
		"aggregate-size":  "256KiB",
		"flush-behind":    false,
		"enable-O_SYNC":   false,
	})
	require.NoError(t.T(), err)
	assert.Equal(t.T(), int64(2*1024*1024), cfg.WindowSize)
	assert.Equal(t.T(), int64(256*1024), cfg.AggregateSize)
	assert.False(t.T(), cfg.FlushBehind)
	assert.False(t.T(), cfg.EnableOSync)
}

func (t *ConfigTest) TestConfigFromOptionsKeepsDefaultsForUnspecifiedFields() {
	cfg, err := ConfigFromOptions(map[string]interface{}{
		"cache-size": "2MiB",
	})
	require.NoError(t.T(), err)
	assert.Equal(t.T(), int64(AggregateSize), cfg.AggregateSize)
	assert.Equal(t.T(), true, cfg.EnableTricklingWrites)
}

func (t *ConfigTest) TestConfigFromOptionsRejectsInvalidResult() {
	_, err := ConfigFromOptions(map[string]interface{}{
		"cache-size":     "1MiB",
		"aggregate-size": "2MiB",
	})
	assert.Error(t.T(), err)
}
