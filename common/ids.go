// Copyright 2021-2022 The fanout Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"fmt"
	"strconv"
)

// UserID snowflake ID of a user
type UserID int64

// GuildID snowflake ID of a guild
type GuildID int64

// ChannelID snowflake ID of a channel
type ChannelID int64

// DispatchKind the dispatch domain an operation targets
type DispatchKind string

// Supported dispatch kinds
const (
	KindUser    DispatchKind = "user"
	KindGuild   DispatchKind = "guild"
	KindChannel DispatchKind = "channel"
	KindFriend  DispatchKind = "friend"
)

// ParseDispatchKind convert a string to DispatchKind
func ParseDispatchKind(kind string) (DispatchKind, error) {
	switch DispatchKind(kind) {
	case KindUser, KindGuild, KindChannel, KindFriend:
		return DispatchKind(kind), nil
	default:
		return "", fmt.Errorf("unknown dispatch kind '%s'", kind)
	}
}

// ParseSnowflake parse the decimal string form of a snowflake ID
func ParseSnowflake(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, fmt.Errorf("snowflake ID must be positive: %d", id)
	}
	return id, nil
}
