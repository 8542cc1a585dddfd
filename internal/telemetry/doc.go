// Package telemetry — структурированное логирование и метрики.
//
// Логирование построено на log/slog. Уровень и формат задаются
// переменными окружения LOG_LEVEL (DEBUG/INFO/WARN/ERROR) и
// LOG_FORMAT (json/text). SetupLogger() вызывается один раз
// в main каждого бинарника.
//
// Метрики — prometheus-коллекторы в default registry. Каждый
// бинарник отдаёт их через promhttp вместе с /healthz.
package telemetry
