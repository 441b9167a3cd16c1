package events

import (
	"strconv"
	"time"
)

func nowSeconds() int64 { return time.Now().Unix() }

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
