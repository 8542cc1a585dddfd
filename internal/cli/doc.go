// Package cli реализует административный инструмент моста.
//
// Команды организованы по ресурсам:
//   - topology: show, declare — топология брокера из таблицы маршрутизации
//   - dlq: peek, purge — разбор errors.queue
//   - config: show, routes — эффективная конфигурация
//
// Каждая группа создаётся фабричной функцией (NewTopologyCmd и т.д.),
// принимающей cfgFn и outputFn — замыкания для ленивой загрузки
// конфигурации и создания Output после парсинга PersistentFlags.
//
// Данные выводятся в stdout (таблица либо JSON с --json), сообщения —
// в stderr. Секреты (пароль движка, креденшелы брокера) в вывод
// не попадают.
package cli
