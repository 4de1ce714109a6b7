package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdk "github.com/hewenyu/kong-mesh/sdk/go"
)

func main() {
	// 配置SDK客户端
	config := &sdk.Config{
		ServerAddr:        "localhost:8080",
		ServiceName:       "example-service",
		Version:           "1.0.0",
		ServiceIP:         "127.0.0.1",
		ServicePort:       8000,
		Environment:       "development",
		Tags:              []string{"example", "sdk"},
		HeartbeatInterval: 10 * time.Second,
		Timeout:           5 * time.Second,
		RetryCount:        3,
		Logf:              log.Printf,
	}

	// 创建SDK客户端
	client, err := sdk.NewClient(config)
	if err != nil {
		log.Fatalf("创建SDK客户端失败: %v", err)
	}

	// 注册服务
	ctx := context.Background()
	if err := client.Register(ctx); err != nil {
		log.Fatalf("服务注册失败: %v", err)
	}
	log.Printf("服务注册成功，服务ID: %s", client.GetServiceID())

	// 启动心跳
	client.StartHeartbeat()
	log.Printf("心跳任务已启动，间隔: %s", config.HeartbeatInterval)

	// 发现服务实例
	instances, err := client.Discover(ctx, config.ServiceName)
	if err != nil {
		log.Printf("服务发现失败: %v", err)
	} else {
		log.Printf("当前共有 %d 个 %s 实例", len(instances), config.ServiceName)
	}

	// 等待终止信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	log.Println("服务已启动，按Ctrl+C终止...")
	<-quit

	// 停止心跳并注销服务
	log.Println("正在关闭服务...")
	if err := client.Close(ctx); err != nil {
		log.Printf("关闭SDK客户端失败: %v", err)
	}
	log.Println("服务已关闭")
}
