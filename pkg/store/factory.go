/*
Copyright The IncidentFox Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	redisv9 "github.com/redis/go-redis/v9"
	"github.com/valkey-io/valkey-go"
	"k8s.io/klog/v2"
)

const (
	redisStoreType  = "redis"
	valkeyStoreType = "valkey"
)

// NewFromEnv builds a Store from environment variables and returns it to
// the caller for explicit injection; there is no process-wide singleton.
//
// STORE_TYPE selects the provider (redis default, valkey).
// --- redis ---
// REDIS_ADDR:     redis address, required
// REDIS_PASSWORD: redis password
// --- valkey ---
// VALKEY_ADDR:          valkey address list (comma separated), required
// VALKEY_PASSWORD:      valkey password
// VALKEY_DISABLE_CACHE: disable valkey client-side cache, optional
// VALKEY_FORCE_SINGLE:  force valkey single-client mode, optional
func NewFromEnv() (Store, error) {
	providerType := strings.ToLower(os.Getenv("STORE_TYPE"))
	if providerType == "" {
		providerType = redisStoreType
	}

	switch providerType {
	case redisStoreType:
		addr := os.Getenv("REDIS_ADDR")
		if addr == "" {
			return nil, fmt.Errorf("missing env var REDIS_ADDR")
		}
		return NewRedisStore(&redisv9.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
		}), nil
	case valkeyStoreType:
		addr := os.Getenv("VALKEY_ADDR")
		if addr == "" {
			return nil, fmt.Errorf("missing env var VALKEY_ADDR")
		}
		opt := valkey.ClientOption{
			InitAddress: strings.Split(addr, ","),
			Password:    os.Getenv("VALKEY_PASSWORD"),
		}
		if disable, err := strconv.ParseBool(os.Getenv("VALKEY_DISABLE_CACHE")); err == nil && disable {
			opt.DisableCache = true
			klog.Info("valkey client-side cache disabled")
		}
		if single, err := strconv.ParseBool(os.Getenv("VALKEY_FORCE_SINGLE")); err == nil && single {
			opt.ForceSingleClient = true
			klog.Info("valkey forced to single-client mode")
		}
		return NewValkeyStore(opt)
	default:
		return nil, fmt.Errorf("unsupported STORE_TYPE %q", providerType)
	}
}
