// Package tgui holds small Telegram UI helpers: inline keyboards with raw
// callback data, and HTML-safe text builders for ParseMode="HTML".
package tgui
