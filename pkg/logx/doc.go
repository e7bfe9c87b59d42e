// Package logx is crosspost's logging layer on zerolog.
//
// Components take a Logger by value and tag it with a "comp" field. The Service
// behind it writes readable console lines and/or JSON to a file, and Apply swaps
// both on config reload without handing out new loggers.
package logx
