// Package cli реализует команды durable-ctl.
//
// # Обзор
//
// durable-ctl работает напрямую с хранилищем задач (Postgres) и, если
// настроен, с RabbitMQ. Это инструмент разработчика и оператора: он
// ставит задачи в очередь вместо оркестратора, запрашивает отмену,
// показывает состояние и закрывает асинхронные activity по токену.
//
// # Ключевые компоненты
//
// ## Deps
//
// Зависимости команд создаются лениво через DepsFunc, чтобы --help и
// ошибки разбора флагов не требовали подключения к БД.
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: durable-ctl task list --json | jq .
//
// ## Commands
//
//	task enqueue-activity TYPE -q QUEUE [--input JSON] [--heartbeat-timeout D]
//	task enqueue-workflow TYPE -q QUEUE [--input JSON] [--run-id ID]
//	task list [-q QUEUE] [--status STATUS]
//	task show TOKEN
//	task cancel TOKEN
//	task complete ASYNC_TOKEN [--result JSON]
//	task fail ASYNC_TOKEN [--message MSG]
//	task watch
package cli
