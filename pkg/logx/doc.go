// Package logx is a small structured-logging facade over zerolog.
//
// It exists so components depend on a stable Logger value instead of a
// concrete zerolog root: the Service can swap sinks and levels at runtime
// (config hot reload) while every derived Logger stays live.
package logx
