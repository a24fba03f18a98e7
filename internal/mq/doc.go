// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — управление соединением с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — объявление exchange, очередей, bindings
//   - publisher.go  — публикация сообщений
//   - consumer.go   — потребление сообщений
//
// Типы сообщений:
//   - task.ready       — задача поставлена в очередь, long-poll'ы можно будить
//   - task.completed   — воркер отправил результат задачи
//
// После переподключения Connection будит всех ждущих ReconnectNotify,
// и каждый Consumer переподписывается сам. task.ready публикуется
// временным сообщением с TTL, task.completed — постоянным.
//
// RabbitMQ здесь только ускоряет доставку: источником истины остаётся
// хранилище задач, и воркер без RabbitMQ работает на периодическом опросе.
package mq
